package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionserver/pkg/logging"
)

// shutdownTimeout bounds the graceful teardown: in-flight HTTP requests,
// worker cancellation, and callback delivery all share this window.
const shutdownTimeout = 30 * time.Second

// runServeMode executes the application as the long-running daemon. This
// mode is designed for automation, scripting, and headless environments:
// all output goes to standard streams.
//
// Startup sequence:
//   - Starts the parent-pid guardian when one is configured
//   - Runs the initial import pass so the catalog is populated before the
//     listener binds; per-package failures are logged and skipped
//   - Starts the filesystem reload watcher when enabled
//   - Binds the HTTP/MCP listener
//
// The function then blocks until one of three things happens: SIGINT or
// SIGTERM arrives, the guardian observes the parent process's death, or ctx
// is cancelled. Teardown runs in reverse startup order with a bounded grace
// window.
func runServeMode(ctx context.Context, cfg *Config, services *Services) error {
	if services.Guardian.Enabled() {
		services.Guardian.Start()
	}

	logging.Info("Serve", "Importing action packages from %s", cfg.ServerConfig.Packages.Dir)
	sum, err := services.Importer.ImportAll(ctx)
	if err != nil {
		logging.Error("Serve", err, "Initial import pass failed; serving previously imported state")
	}
	for _, failure := range sum.Failed {
		logging.Warn("Serve", "Package %s could not be imported: %v", failure.Dir, failure.Err)
	}
	logging.Info("Serve", "Serving %d actions at catalog v%d", sum.Actions, sum.Version)

	if services.Watcher != nil {
		if err := services.Watcher.Start(ctx); err != nil {
			logging.Error("Serve", err, "Failed to start the reload watcher")
			return stopAfter(services, err)
		}
	}

	if err := services.Server.Start(ctx); err != nil {
		logging.Error("Serve", err, "Failed to start the server")
		return stopAfter(services, err)
	}

	logging.Info("Serve", "Action server up on %s. Press Ctrl+C to stop.", services.Server.Addr())

	// Wait for a reason to stop.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logging.Info("Serve", "Received %s, shutting down", sig)
	case <-services.ParentDied():
		logging.Info("Serve", "Parent process died, shutting down")
	case <-ctx.Done():
		logging.Info("Serve", "Context cancelled, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	services.Shutdown(stopCtx)

	logging.Info("Serve", "Shutdown complete")
	return nil
}

// stopAfter tears the components down after a failed startup step and passes
// the startup error through.
func stopAfter(services *Services, err error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	services.Shutdown(stopCtx)
	return err
}
