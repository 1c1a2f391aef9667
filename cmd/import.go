package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"actionserver/internal/app"
)

var (
	importDebug       bool
	importConfigPath  string
	importPackagesDir string
)

// importCmd performs one import pass and exits. Useful for baking a data
// directory in CI or a container build, so serve starts with a warm catalog.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import action packages and exit",
	Long: `Runs a single import pass over the packages directory: builds each
package's environment, enumerates its actions, and persists the catalog in
the data directory. Packages whose directory vanished since the last import
are disabled.

The pass needs exclusive ownership of the data directory, so it fails while
a server is running against it.`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(importDebug, false, importConfigPath)
	cfg.Version = GetVersion()
	cfg.PackagesDir = importPackagesDir

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer application.Shutdown(ctx)

	sum, err := application.ImportOnce(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, slug := range sum.Imported {
		fmt.Fprintf(out, "imported  %s\n", slug)
	}
	for _, slug := range sum.Disabled {
		fmt.Fprintf(out, "disabled  %s\n", slug)
	}
	for _, failure := range sum.Failed {
		fmt.Fprintf(out, "failed    %s: %v\n", failure.Dir, failure.Err)
	}
	fmt.Fprintf(out, "catalog v%d serves %d actions\n", sum.Version, sum.Actions)

	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d of %d packages failed to import", len(sum.Failed), len(sum.Failed)+len(sum.Imported))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importDebug, "debug", false, "Enable general debug logging")
	importCmd.Flags().StringVar(&importConfigPath, "config", "", "Configuration file path (default <dataDir>/config.yaml)")
	importCmd.Flags().StringVar(&importPackagesDir, "packages", "", "Packages directory (overrides configuration)")
}
