package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"actionserver/internal/fault"
)

// Exit codes for CLI commands.
// These follow common conventions and are meant for scripting around the server.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeLocked indicates another process holds the data directory lock.
	ExitCodeLocked = 2
	// ExitCodeDbFromFuture indicates the database was written by a newer binary.
	ExitCodeDbFromFuture = 3
)

// rootCmd represents the base command for the action-server application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "action-server",
	Short: "Serve action packages over HTTP and MCP",
	Long: `action-server imports action packages, runs their actions in pooled
worker processes, and exposes them over a REST API and the Model Context
Protocol. Runs, their artifacts, and the action catalog persist in a local
data directory.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	// This is useful for providing cleaner error output to the user.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
// This can be used by other commands to access the build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It initializes and executes the root command, which in turn handles subcommands and flags.
// This function is called by main.main().
func Execute() {
	// SetVersionTemplate defines a custom template for displaying the version.
	// This is used when the --version flag is invoked.
	rootCmd.SetVersionTemplate(`{{printf "action-server version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.KindDataDirLocked:
		return ExitCodeLocked
	case fault.KindDbFromFuture:
		return ExitCodeDbFromFuture
	}
	return ExitCodeError
}

// init is a special Go function that is executed when the package is initialized.
// It is used here to add subcommands to the root command.
func init() {
	rootCmd.AddCommand(newVersionCmd())
}
