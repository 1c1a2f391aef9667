package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultPort is the port the HTTP and MCP surfaces listen on.
	DefaultPort = 8280

	// DefaultHost is the bind address.
	DefaultHost = "localhost"

	// EnvHome overrides the data directory.
	EnvHome = "ACTION_SERVER_HOME"

	// EnvPostRunCmd overrides the post-run hook command template.
	EnvPostRunCmd = "ACTION_SERVER_POST_RUN_CMD"

	// EnvParentPID overrides the guardian's parent process id.
	EnvParentPID = "ACTION_SERVER_PARENT_PID"

	// EnvOptimizeForContainer disables version self-checks and hints the
	// environment builder. Any non-empty value enables it.
	EnvOptimizeForContainer = "ACTION_SERVER_OPTIMIZE_FOR_CONTAINER"

	// EnvDecryptKeys carries the JSON array of base64 envelope decrypt keys.
	// Consumed by the envelope codec, listed here so the whole environment
	// surface is documented in one place.
	EnvDecryptKeys = "ACTION_SERVER_DECRYPT_KEYS"

	dataDirName = ".action-server"
)

// DefaultDataDir resolves the data directory: ACTION_SERVER_HOME when set,
// otherwise ~/.action-server.
func DefaultDataDir() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dataDirName), nil
}

// GetDefaultConfig returns the default configuration for the action server.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Packages: PackagesConfig{
			Dir: "./packages",
		},
		Pool: PoolConfig{
			MinProcesses:     0,
			MaxProcesses:     4,
			ReuseProcess:     true,
			WaiterQueueDepth: 16,
			IdleTTL:          Duration(5 * time.Minute),
			ReadyTimeout:     Duration(30 * time.Second),
			CancelGrace:      Duration(5 * time.Second),
			PingInterval:     Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			Command: "python3 -m action_server_worker --env $env_dir --package $package_dir",
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: Duration(500 * time.Millisecond),
		},
		Hook: HookConfig{
			Timeout: Duration(30 * time.Second),
		},
		Callback: CallbackConfig{
			Retries: 3,
			Timeout: Duration(10 * time.Second),
		},
		Guardian: GuardianConfig{
			PollInterval: Duration(time.Second),
		},
	}
}
