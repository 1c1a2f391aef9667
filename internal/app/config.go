package app

import (
	"actionserver/internal/config"
)

// Config holds the application runtime configuration assembled from command
// line flags before the server configuration file is loaded.
type Config struct {
	// Debug enables verbose logging across all subsystems.
	Debug bool

	// Silent suppresses all log output. Used by commands whose stdout is
	// meant for scripting.
	Silent bool

	// ConfigPath points at an explicit configuration file. Empty selects
	// <dataDir>/config.yaml.
	ConfigPath string

	// Version is the build version injected by main.
	Version string

	// Flag overrides. Applied after the file and environment are loaded,
	// so flags win over both. Zero values leave the loaded value alone.
	Host        string
	Port        int
	PackagesDir string

	// ForceLock evicts a live holder of the data-directory lock instead of
	// failing with DataDirLocked.
	ForceLock bool

	// ServerConfig is the loaded server configuration. Populated by
	// NewApplication.
	ServerConfig *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug, silent bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		Silent:     silent,
		ConfigPath: configPath,
	}
}

// applyOverrides folds the flag overrides into the loaded configuration.
func (c *Config) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.PackagesDir != "" {
		cfg.Packages.Dir = c.PackagesDir
	}
}
