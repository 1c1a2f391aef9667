// Package app provides application bootstrap and lifecycle management for the action server.
//
// This package implements the central application lifecycle control. It handles
// initialization, configuration loading, component wiring, and execution mode
// determination. Every other internal package is a component; this one is the
// composition root where they meet.
//
// # Architecture Overview
//
// The app package serves as the application's bootstrap layer, with four core components:
//
// 1. **Bootstrap (`bootstrap.go`)**: Application initialization and lifecycle management
// 2. **Configuration (`config.go`)**: Application runtime configuration structure
// 3. **Services (`services.go`)**: Component initialization and dependency wiring
// 4. **Modes (`modes.go`)**: Execution mode handlers (serve daemon)
//
// # Core Components
//
// ## Bootstrap (bootstrap.go)
//
// The bootstrap component handles the complete application initialization sequence:
//
//   - **Logging Configuration**: Sets up logging based on debug and silent flags
//   - **Configuration Loading**: Defaults, then the YAML file, then environment
//     variables, then command line flag overrides
//   - **Component Initialization**: Wires the full component graph in dependency order
//
// Construction is deliberately side-effectful on the data directory: the
// advisory lock is taken, the SQLite database is opened and migrated, and runs
// orphaned by a previous process converge to CANCELLED. Construction never
// binds a listener or spawns a worker; that is Run's job, so one-shot commands
// can reuse the same wiring.
//
// ## Services (services.go)
//
// InitializeServices builds the component graph:
//
//	lock → store (migrate, converge) → artifacts, bus, secrets, codec
//	     → env builder, catalog → pool, hook → lifecycle
//	     → importer → watcher, guardian → server
//
// All dependencies are constructor-injected; no component reaches for module
// state. The bus snapshot sources are registered here because only the
// composition root sees both the bus and the stores that answer snapshots.
//
// Shutdown tears the graph down in reverse: listener first so no new work
// arrives, then the run lifecycle and the pool so in-flight work drains, the
// store last so every component could still write while draining. Shutdown is
// safe on a partially constructed graph, which makes the error path of
// InitializeServices trivial.
//
// ## Execution Modes (modes.go)
//
// **Serve mode** is the daemon: guardian, initial import pass, reload
// watcher, HTTP/MCP listener, then block until SIGINT/SIGTERM, parent death,
// or context cancellation.
//
// **Import mode** (Application.ImportOnce) performs one import pass and
// returns its summary without ever binding a listener. The import command
// builds on it.
//
// # Usage Patterns
//
// Serve (cmd/serve.go):
//
//	cfg := app.NewConfig(debug, false, configPath)
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// One-shot import (cmd/import.go):
//
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	defer application.Shutdown(ctx)
//	summary, err := application.ImportOnce(ctx)
//
// Two processes cannot bootstrap against the same data directory: the second
// Acquire fails with a DataDirLocked fault until the first releases.
package app
