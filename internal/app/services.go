package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"actionserver/internal/actions"
	"actionserver/internal/artifacts"
	"actionserver/internal/bus"
	"actionserver/internal/config"
	"actionserver/internal/envbuilder"
	"actionserver/internal/envelope"
	"actionserver/internal/guardian"
	"actionserver/internal/hook"
	"actionserver/internal/importer"
	"actionserver/internal/lifecycle"
	"actionserver/internal/lockfile"
	"actionserver/internal/pool"
	"actionserver/internal/secrets"
	"actionserver/internal/server"
	"actionserver/internal/store"
	"actionserver/internal/watcher"
	"actionserver/pkg/logging"
)

// busDepth is the per-subscriber event buffer.
const busDepth = 128

// Services holds all initialized components of the action server. The
// struct is the single composition point: every component receives its
// collaborators here and nothing reaches for globals.
//
// Initialization order (InitializeServices) follows the dependency chain:
//
//  1. Data-directory lock, so only one process owns the state
//  2. Store: open SQLite, migrate, converge orphaned runs to CANCELLED
//  3. Artifacts, bus, secrets, envelope codec (no dependencies among them)
//  4. Environment builder and catalog
//  5. Pool, hook, lifecycle manager
//  6. Importer, watcher, guardian
//  7. HTTP/MCP server (constructed, not started)
//
// Shutdown tears down in reverse so nothing writes into a closed
// collaborator.
type Services struct {
	Lock      *lockfile.Lock
	Store     *store.Store
	Artifacts *artifacts.Store
	Bus       *bus.Bus
	Secrets   *secrets.Store
	Codec     *envelope.Codec
	Builder   *envbuilder.Builder
	Catalog   *actions.Catalog
	Pool      *pool.Pool
	Hook      *hook.Runner
	Lifecycle *lifecycle.Manager
	Importer  *importer.Importer

	// Watcher is nil when disabled in configuration.
	Watcher *watcher.Watcher

	// Guardian is constructed unconditionally; Enabled reports whether a
	// parent pid was configured.
	Guardian *guardian.Guardian

	Server *server.Server

	// parentDied closes when the guardian observes the parent's death.
	parentDied chan struct{}
}

// InitializeServices creates every component of the action server in
// dependency order. Nothing is started: no listener binds, no worker
// spawns, the watcher does not watch. Start happens in the run modes so
// one-shot commands (import) can reuse this wiring without serving.
//
// On error, everything constructed so far is torn down before returning.
func InitializeServices(cfg *Config) (*Services, error) {
	serverCfg := cfg.ServerConfig
	s := &Services{parentDied: make(chan struct{})}

	ok := false
	defer func() {
		if !ok {
			s.Shutdown(context.Background())
		}
	}()

	// Exclusive ownership of the data directory comes first; two servers
	// sharing one SQLite file and artifact tree corrupt each other.
	lock, err := lockfile.Acquire(serverCfg.Data.Dir, lockfile.Options{Force: cfg.ForceLock})
	if err != nil {
		return nil, err
	}
	s.Lock = lock

	st, err := store.Open(filepath.Join(serverCfg.Data.Dir, store.DBFileName))
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	s.Store = st

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	// Runs left NOT_RUN or RUNNING by a previous process can never finish.
	reset, err := st.ResetNonTerminalToCancelled(ctx)
	if err != nil {
		return nil, fmt.Errorf("converging orphaned runs: %w", err)
	}
	if reset > 0 {
		logging.Info("Bootstrap", "Cancelled %d runs orphaned by a previous process", reset)
	}

	arts, err := artifacts.New(serverCfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("preparing artifacts directory: %w", err)
	}
	s.Artifacts = arts

	s.Bus = bus.NewBus(busDepth)
	s.Secrets = secrets.NewStore()

	keys, err := envelope.ParseKeys(os.Getenv(config.EnvDecryptKeys))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", config.EnvDecryptKeys, err)
	}
	if len(keys) > 0 {
		logging.Info("Bootstrap", "Envelope decryption enabled with %d keys", len(keys))
	}
	s.Codec = envelope.NewCodec(keys)

	builder, err := envbuilder.New(
		serverCfg.Data.Dir,
		serverCfg.Builder.Command,
		serverCfg.Worker.Command,
		serverCfg.Builder.OptimizeForContainer,
	)
	if err != nil {
		return nil, fmt.Errorf("preparing environment builder: %w", err)
	}
	s.Builder = builder

	s.Catalog = actions.NewCatalog()

	s.Pool = pool.New(pool.Config{
		MinProcesses:     serverCfg.Pool.MinProcesses,
		MaxProcesses:     serverCfg.Pool.MaxProcesses,
		ReuseProcess:     serverCfg.Pool.ReuseProcess,
		WaiterQueueDepth: serverCfg.Pool.WaiterQueueDepth,
		IdleTTL:          serverCfg.Pool.IdleTTL.Std(),
		ReadyTimeout:     serverCfg.Pool.ReadyTimeout.Std(),
		CancelGrace:      serverCfg.Pool.CancelGrace.Std(),
		PingInterval:     serverCfg.Pool.PingInterval.Std(),
	}, pool.ExecLauncher{})

	hk, err := hook.New(serverCfg.Hook.PostRunCommand, serverCfg.Hook.Timeout.Std())
	if err != nil {
		return nil, fmt.Errorf("parsing post-run hook command: %w", err)
	}
	s.Hook = hk

	s.Lifecycle = lifecycle.New(lifecycle.Deps{
		Store:           st,
		Pool:            s.Pool,
		Catalog:         s.Catalog,
		Artifacts:       arts,
		Hook:            hk,
		Bus:             s.Bus,
		CallbackRetries: serverCfg.Callback.Retries,
		CallbackTimeout: serverCfg.Callback.Timeout.Std(),
		ObserveRun:      server.ObserveRun,
	})

	s.Importer = importer.New(importer.Deps{
		Store:        st,
		Builder:      builder,
		Catalog:      s.Catalog,
		Bus:          s.Bus,
		Launcher:     pool.ExecLauncher{},
		RetireEnv:    s.Pool.RetireEnv,
		PackagesDir:  serverCfg.Packages.Dir,
		PackageAllow: serverCfg.Packages.Whitelist.Packages,
		ActionAllow:  serverCfg.Packages.Whitelist.Actions,
	})

	if serverCfg.Watcher.Enabled {
		w, err := watcher.New(watcher.Config{
			Root:     serverCfg.Packages.Dir,
			Debounce: serverCfg.Watcher.Debounce.Std(),
		}, s.Importer)
		if err != nil {
			return nil, fmt.Errorf("preparing reload watcher: %w", err)
		}
		s.Watcher = w
	}

	s.Guardian = guardian.New(guardian.Config{
		ParentPID:    serverCfg.Guardian.ParentPID,
		PollInterval: serverCfg.Guardian.PollInterval.Std(),
	}, s.signalParentDeath)

	s.Server = server.New(server.Deps{
		Lifecycle: s.Lifecycle,
		Catalog:   s.Catalog,
		Store:     st,
		Artifacts: arts,
		Secrets:   s.Secrets,
		Codec:     s.Codec,
		Bus:       s.Bus,
		Pool:      s.Pool,
		Host:      serverCfg.Server.Host,
		Port:      serverCfg.Server.Port,
		APIKey:    serverCfg.Auth.APIKey,
		Version:   cfg.Version,
	})

	s.registerSnapshots(serverCfg)

	ok = true
	return s, nil
}

// registerSnapshots wires the bus topics to their current-state sources so
// new subscribers open with a snapshot frame.
func (s *Services) registerSnapshots(serverCfg *config.Config) {
	s.Bus.RegisterSnapshot(bus.TopicCatalog, func(string) (json.RawMessage, error) {
		snap := s.Catalog.Current()
		return json.Marshal(map[string]interface{}{
			"version":  snap.Version,
			"packages": len(snap.Packages()),
			"actions":  snap.ActionCount(),
		})
	})

	s.Bus.RegisterSnapshot(bus.TopicRuns, func(string) (json.RawMessage, error) {
		page, err := s.Store.ListRuns(context.Background(), store.ListRunsQuery{})
		if err != nil {
			return nil, err
		}
		return json.Marshal(page.Runs)
	})

	s.Bus.RegisterSnapshotPrefix(bus.TopicRuns+"/", func(topic string) (json.RawMessage, error) {
		runID := strings.TrimPrefix(topic, bus.TopicRuns+"/")
		run, err := s.Store.GetRun(context.Background(), runID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	})

	// The API key never rides the bus; subscribers only learn whether auth
	// is on.
	s.Bus.RegisterSnapshot(bus.TopicConfig, func(string) (json.RawMessage, error) {
		return json.Marshal(map[string]interface{}{
			"host":          serverCfg.Server.Host,
			"port":          serverCfg.Server.Port,
			"packages_dir":  serverCfg.Packages.Dir,
			"max_processes": serverCfg.Pool.MaxProcesses,
			"reuse_process": serverCfg.Pool.ReuseProcess,
			"watcher":       serverCfg.Watcher.Enabled,
			"auth":          serverCfg.Auth.APIKey != "",
		})
	})
}

// signalParentDeath is the guardian callback. Closing the channel unblocks
// the serve mode's wait exactly once.
func (s *Services) signalParentDeath() {
	select {
	case <-s.parentDied:
	default:
		close(s.parentDied)
	}
}

// ParentDied closes when the guardian observed the parent process's death.
func (s *Services) ParentDied() <-chan struct{} {
	return s.parentDied
}

// Shutdown tears components down in reverse initialization order. Safe to
// call on a partially constructed Services and safe to call twice; nil
// fields are skipped.
func (s *Services) Shutdown(ctx context.Context) {
	if s.Server != nil {
		if err := s.Server.Stop(ctx); err != nil {
			logging.Warn("Bootstrap", "HTTP server did not stop cleanly: %v", err)
		}
		s.Server = nil
	}
	if s.Guardian != nil {
		s.Guardian.Stop()
		s.Guardian = nil
	}
	if s.Watcher != nil {
		if err := s.Watcher.Stop(); err != nil {
			logging.Warn("Bootstrap", "Reload watcher did not stop cleanly: %v", err)
		}
		s.Watcher = nil
	}
	if s.Lifecycle != nil {
		s.Lifecycle.Close(ctx)
		s.Lifecycle = nil
	}
	if s.Pool != nil {
		s.Pool.Shutdown(ctx)
		s.Pool = nil
	}
	if s.Bus != nil {
		s.Bus.Shutdown()
		s.Bus = nil
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			logging.Warn("Bootstrap", "Run store did not close cleanly: %v", err)
		}
		s.Store = nil
	}
	if s.Lock != nil {
		if err := s.Lock.Release(); err != nil {
			logging.Warn("Bootstrap", "Could not release the data directory lock: %v", err)
		}
		s.Lock = nil
	}
}
