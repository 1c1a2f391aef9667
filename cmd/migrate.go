package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"actionserver/internal/config"
	"actionserver/internal/lockfile"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

var (
	migrateConfigPath string
	migrateDebug      bool
)

// migrateCmd applies pending database migrations and exits. serve and import
// migrate on startup anyway; this exists for pre-flighting an upgrade.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: `Applies any pending schema migrations to the data directory's database.
Fails when the database was written by a newer binary, or when a running
server holds the data directory.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logLevel := logging.LevelInfo
	if migrateDebug {
		logLevel = logging.LevelDebug
	}
	logging.InitForCLI(logLevel, io.Writer(cmd.OutOrStdout()))

	cfg, err := config.LoadConfig(migrateConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	lock, err := lockfile.Acquire(cfg.Data.Dir, lockfile.Options{})
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(filepath.Join(cfg.Data.Dir, store.DBFileName))
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "database at %s is up to date\n",
		filepath.Join(cfg.Data.Dir, store.DBFileName))
	return nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateDebug, "debug", false, "Enable general debug logging")
	migrateCmd.Flags().StringVar(&migrateConfigPath, "config", "", "Configuration file path (default <dataDir>/config.yaml)")
}
