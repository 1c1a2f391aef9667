package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"actionserver/internal/config"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
	pkgstrings "actionserver/pkg/strings"
)

var (
	actionsConfigPath string
	actionsAll        bool
	actionsDebug      bool
)

// actionsCmd lists the imported catalog straight from the database. It takes
// no lock, so it works while a server runs against the same data directory.
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the imported actions",
	Long: `Lists every imported action package and its actions from the data
directory's database. The listing reflects the last import, not the packages
directory's current content; run 'action-server import' to refresh it.`,
	Args: cobra.NoArgs,
	RunE: runActions,
}

func runActions(cmd *cobra.Command, args []string) error {
	// Keep stdout clean for the listing; logs only with --debug.
	logLevel := logging.LevelError
	logOutput := io.Writer(cmd.ErrOrStderr())
	if actionsDebug {
		logLevel = logging.LevelDebug
	}
	logging.InitForCLI(logLevel, logOutput)

	cfg, err := config.LoadConfig(actionsConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Data.Dir, store.DBFileName))
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// No-op on a current schema; fails on one written by a newer binary.
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	records, err := st.LoadCatalog(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tACTION\tNAME\tKIND\tVERSION\tSTATE")
	rows := 0
	for _, rec := range records {
		for _, act := range rec.Actions {
			enabled := rec.Package.Enabled && act.Enabled
			if !enabled && !actionsAll {
				continue
			}
			state := "enabled"
			if !enabled {
				state = "disabled"
			}
			name := act.DisplayName
			if name == "" {
				name = act.Name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				rec.Package.Slug, act.Slug,
				pkgstrings.TruncateOneLine(name, pkgstrings.DefaultDisplayNameMaxLen),
				act.Kind, act.MetaVersion, state)
			rows++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rows == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no actions imported; run 'action-server import'")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(actionsCmd)

	actionsCmd.Flags().BoolVar(&actionsDebug, "debug", false, "Enable general debug logging")
	actionsCmd.Flags().StringVar(&actionsConfigPath, "config", "", "Configuration file path (default <dataDir>/config.yaml)")
	actionsCmd.Flags().BoolVar(&actionsAll, "all", false, "Include disabled packages and actions")
}
