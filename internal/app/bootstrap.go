package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"actionserver/internal/config"
	"actionserver/internal/importer"
	"actionserver/pkg/logging"
)

// Application represents the main application structure that bootstraps and
// runs the action server. It encapsulates the loaded configuration and the
// initialized component graph.
//
// The Application follows a two-phase initialization pattern:
//  1. Bootstrap phase: initialize logging, load configuration, wire components
//  2. Execution phase: Run (serve until signalled) or ImportOnce (one pass)
//
// Example usage:
//
//	cfg := app.NewConfig(true, false, "")  // debug enabled
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	defer application.Shutdown(ctx)
//	return application.Run(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication creates and initializes a new application instance with the
// provided configuration. This performs the complete bootstrap sequence:
//
//  1. Configures logging based on the debug and silent settings
//  2. Loads the server configuration (file, environment, flag overrides)
//  3. Wires all components in dependency order
//
// Construction has side effects on the data directory: the lock is taken,
// the database is opened and migrated, and orphaned runs converge to
// CANCELLED. Nothing listens and nothing spawns until Run.
func NewApplication(cfg *Config) (*Application, error) {
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stdout
	if cfg.Silent {
		logOutput = io.Discard
	}
	logging.InitForCLI(appLogLevel, logOutput)

	serverCfg, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration")
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.applyOverrides(&serverCfg)
	cfg.ServerConfig = &serverCfg

	services, err := InitializeServices(cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Run executes the application in serve mode: import the packages, start
// every component, serve the HTTP and MCP surfaces, and block until a
// termination signal or the guardian fires. Teardown is handled internally.
func (a *Application) Run(ctx context.Context) error {
	return runServeMode(ctx, a.config, a.services)
}

// ImportOnce performs a single import pass over the packages directory and
// returns its summary. Used by the one-shot import command; the caller owns
// Shutdown.
func (a *Application) ImportOnce(ctx context.Context) (importer.Summary, error) {
	return a.services.Importer.ImportAll(ctx)
}

// Shutdown releases everything the bootstrap acquired. Run performs its own
// teardown; callers that only used ImportOnce must call this.
func (a *Application) Shutdown(ctx context.Context) {
	a.services.Shutdown(ctx)
}

// Services exposes the wired component graph, mainly for tests.
func (a *Application) Services() *Services {
	return a.services
}
