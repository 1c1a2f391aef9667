package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"actionserver/internal/app"
)

// serveDebug enables verbose logging across the application.
// This helps troubleshoot import failures and understand worker behavior.
var serveDebug bool

// serveConfigPath points at an explicit configuration file.
// When empty, the server loads <dataDir>/config.yaml if it exists.
var serveConfigPath string

// serveHost and servePort override the configured listen address.
var (
	serveHost string
	servePort int
)

// servePackagesDir overrides the configured packages root.
var servePackagesDir string

// serveForceLock evicts a live holder of the data-directory lock. Meant for
// supervisors restarting a wedged server; the old process gets SIGTERM, then
// SIGKILL.
var serveForceLock bool

// serveCmd defines the serve command structure.
// This is the main command of the action server: it imports the packages,
// binds the HTTP and MCP surfaces, and runs until terminated.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the action server daemon",
	Long: `Starts the action server: imports every action package under the packages
directory, spins up the worker pool, and serves the REST API, the event
stream, and the MCP endpoints on one port.

The server owns its data directory exclusively (an advisory lock enforces
this) and keeps runs, artifacts, and the imported catalog there between
restarts. Edits to package sources re-import automatically while the server
runs unless the watcher is disabled.

Configuration:
  action-server loads <dataDir>/config.yaml when present; the data directory
  defaults to ~/.action-server and follows ACTION_SERVER_HOME. Flags override
  file values; environment variables override both.

The process stops cleanly on SIGINT and SIGTERM. With guardian.parentPID set
(or ACTION_SERVER_PARENT_PID), it also stops when that process dies.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, false, serveConfigPath)
	cfg.Version = GetVersion()
	cfg.Host = serveHost
	cfg.Port = servePort
	cfg.PackagesDir = servePackagesDir
	cfg.ForceLock = serveForceLock

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

// init registers the serve command and its flags with the root command.
// This is called automatically when the package is imported.
func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable general debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Configuration file path (default <dataDir>/config.yaml)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (overrides configuration)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to bind (overrides configuration)")
	serveCmd.Flags().StringVar(&servePackagesDir, "packages", "", "Packages directory (overrides configuration)")
	serveCmd.Flags().BoolVar(&serveForceLock, "force-lock", false, "Evict a live data-directory lock holder before starting")
}
