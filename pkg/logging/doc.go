// Package logging provides the structured logging system for the action
// server with unified log handling and level filtering.
//
// This package is a thin layer over Go's standard slog package, giving every
// component a consistent way to emit subsystem-tagged entries.
//
// # Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about server operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// # Usage
//
//	import "actionserver/pkg/logging"
//
//	// Initialize with Info level logging to stdout
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Bootstrap", "Server starting up")
//	logging.Debug("Config", "Loaded configuration from %s", configPath)
//	logging.Warn("Pool", "Worker %s missed its pong deadline", slotID)
//	logging.Error("Store", err, "Failed to open database")
//
// # Subsystem Organization
//
// Logs are organized by subsystem to enable filtering and categorization:
//
//   - **Bootstrap**: Server initialization and teardown
//   - **Config**: Configuration loading and validation
//   - **Store**: Run store and migrations
//   - **Catalog**: Action catalog snapshots
//   - **Importer**: Package import and enumeration
//   - **EnvBuilder**: Environment builds
//   - **Pool**: Worker process pool
//   - **Lifecycle**: Run lifecycle management
//   - **Bus**: Live-update fan-out
//   - **Watcher**: Filesystem reload watching
//   - **Hook**: Post-run hook execution
//   - **Server**: HTTP and MCP surfaces
//
// Secret material must never be passed to any logging call; callers log key
// names, never values.
//
// # Thread Safety
//
// The logging system is fully thread-safe: concurrent logging from multiple
// goroutines is safe once InitForCLI has been called.
package logging
