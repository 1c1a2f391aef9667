package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"actionserver/pkg/logging"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// LoadConfig loads configuration from the given file path. An empty path
// falls back to <dataDir>/config.yaml. A missing file is not an error: the
// defaults apply. Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := GetDefaultConfig()

	if path == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return Config{}, fmt.Errorf("could not determine data directory: %w", err)
		}
		path = filepath.Join(dataDir, configFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config file at %s, using defaults", path)
			applyEnvOverrides(&cfg)
			return finalize(cfg)
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	logging.Info("Config", "Loaded configuration from %s", path)

	applyEnvOverrides(&cfg)
	return finalize(cfg)
}

// applyEnvOverrides lets the documented environment variables win over both
// defaults and file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvHome); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv(EnvPostRunCmd); v != "" {
		cfg.Hook.PostRunCommand = v
	}
	if v := os.Getenv(EnvParentPID); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			logging.Warn("Config", "Ignoring non-numeric %s=%q", EnvParentPID, v)
		} else {
			cfg.Guardian.ParentPID = pid
		}
	}
	if os.Getenv(EnvOptimizeForContainer) != "" {
		cfg.Builder.OptimizeForContainer = true
	}
}

// finalize fills derived values and validates.
func finalize(cfg Config) (Config, error) {
	if cfg.Data.Dir == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return Config{}, fmt.Errorf("could not determine data directory: %w", err)
		}
		cfg.Data.Dir = dataDir
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return Config{}, errs
	}
	return cfg, nil
}
