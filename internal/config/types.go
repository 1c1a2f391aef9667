package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the action server.
type Config struct {
	Server   ServerConfig   `yaml:"server,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Data     DataConfig     `yaml:"data,omitempty"`
	Packages PackagesConfig `yaml:"packages,omitempty"`
	Pool     PoolConfig     `yaml:"pool,omitempty"`
	Worker   WorkerConfig   `yaml:"worker,omitempty"`
	Builder  BuilderConfig  `yaml:"builder,omitempty"`
	Watcher  WatcherConfig  `yaml:"watcher,omitempty"`
	Hook     HookConfig     `yaml:"hook,omitempty"`
	Callback CallbackConfig `yaml:"callback,omitempty"`
	Guardian GuardianConfig `yaml:"guardian,omitempty"`
}

// ServerConfig defines the HTTP/MCP listen surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
	Port int    `yaml:"port,omitempty"` // Port for the HTTP and MCP endpoints (default: 8280)
}

// AuthConfig defines the single-bearer-token check. An empty APIKey disables
// authentication.
type AuthConfig struct {
	APIKey string `yaml:"apiKey,omitempty"`
}

// DataConfig locates the server's persistent state.
type DataConfig struct {
	Dir string `yaml:"dir,omitempty"` // Data directory (default: ~/.action-server, ACTION_SERVER_HOME overrides)
}

// PackagesConfig locates and filters action packages.
type PackagesConfig struct {
	Dir       string          `yaml:"dir,omitempty"` // Root directory scanned for package.yaml dirs (default: ./packages)
	Whitelist WhitelistConfig `yaml:"whitelist,omitempty"`
}

// WhitelistConfig restricts which packages and actions are served. Empty
// lists allow everything. Filtered entries stay in the database but are not
// served.
type WhitelistConfig struct {
	Packages []string `yaml:"packages,omitempty"`
	Actions  []string `yaml:"actions,omitempty"`
}

// PoolConfig tunes the worker process pool.
type PoolConfig struct {
	MinProcesses     int      `yaml:"minProcesses,omitempty"`     // Warm workers kept per environment (default: 0)
	MaxProcesses     int      `yaml:"maxProcesses,omitempty"`     // Hard cap on workers per environment (default: 4)
	ReuseProcess     bool     `yaml:"reuseProcess"`               // Return workers to the idle set after a run (default: true)
	WaiterQueueDepth int      `yaml:"waiterQueueDepth,omitempty"` // Queued submissions per environment before Overloaded (default: 16)
	IdleTTL          Duration `yaml:"idleTTL,omitempty"`          // Idle workers beyond minProcesses are evicted LRU after this (default: 5m)
	ReadyTimeout     Duration `yaml:"readyTimeout,omitempty"`     // Max wait for a spawned worker's ready frame (default: 30s)
	CancelGrace      Duration `yaml:"cancelGrace,omitempty"`      // Cooperative cancellation window before SIGKILL (default: 5s)
	PingInterval     Duration `yaml:"pingInterval,omitempty"`     // Idle worker liveness probe interval (default: 30s)
}

// WorkerConfig shapes the worker command line. The template is tokenized
// with shell-like word splitting; tokens substitute $env_dir and
// $package_dir.
type WorkerConfig struct {
	Command string `yaml:"command,omitempty"`
}

// BuilderConfig shapes the environment builder command line. Tokens
// substitute $manifest and $env_dir. An empty command selects passthrough
// mode: the package directory doubles as its environment.
type BuilderConfig struct {
	Command              string `yaml:"command,omitempty"`
	OptimizeForContainer bool   `yaml:"optimizeForContainer,omitempty"` // Skip version self-checks, hint the builder (ACTION_SERVER_OPTIMIZE_FOR_CONTAINER overrides)
}

// WatcherConfig tunes the filesystem reload watcher.
type WatcherConfig struct {
	Enabled  bool     `yaml:"enabled"`            // Watch the packages root for changes (default: true)
	Debounce Duration `yaml:"debounce,omitempty"` // Coalescing window for bursts of events (default: 500ms)
}

// HookConfig defines the post-run hook. The command is tokenized once at
// load time; tokens substitute $run_id, $action_name, $base_artifacts_dir,
// $run_artifacts_dir, and every invocation-context entry.
type HookConfig struct {
	PostRunCommand string   `yaml:"postRunCommand,omitempty"` // Empty disables the hook (ACTION_SERVER_POST_RUN_CMD overrides)
	Timeout        Duration `yaml:"timeout,omitempty"`        // Hook execution deadline (default: 30s)
}

// CallbackConfig tunes async-callback delivery.
type CallbackConfig struct {
	Retries int      `yaml:"retries,omitempty"` // Delivery attempts beyond the first (default: 3)
	Timeout Duration `yaml:"timeout,omitempty"` // Per-attempt HTTP timeout (default: 10s)
}

// GuardianConfig configures the parent-PID guardian. A zero ParentPID
// disables it.
type GuardianConfig struct {
	ParentPID    int      `yaml:"parentPID,omitempty"` // Exit when this process dies (ACTION_SERVER_PARENT_PID overrides)
	PollInterval Duration `yaml:"pollInterval,omitempty"`
}

// Duration wraps time.Duration so YAML configs can say "500ms" or "5m".
// Bare integers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
