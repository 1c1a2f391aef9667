package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempConfig writes content as a config file under dir and returns its path.
func writeTempConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	defaults := GetDefaultConfig()
	assert.Equal(t, defaults.Server, cfg.Server)
	assert.Equal(t, defaults.Pool, cfg.Pool)
	assert.NotEmpty(t, cfg.Data.Dir)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	path := writeTempConfig(t, t.TempDir(), `
server:
  port: 9999
pool:
  maxProcesses: 8
  idleTTL: 90s
watcher:
  enabled: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, 8, cfg.Pool.MaxProcesses)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTTL.Std())
	assert.False(t, cfg.Watcher.Enabled)
	assert.True(t, cfg.Pool.ReuseProcess, "default true survives partial file")
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	path := writeTempConfig(t, t.TempDir(), "server: [not a map")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(EnvHome, dataDir)
	t.Setenv(EnvPostRunCmd, "notify-send $run_id")
	t.Setenv(EnvParentPID, "4242")
	t.Setenv(EnvOptimizeForContainer, "1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.Data.Dir)
	assert.Equal(t, "notify-send $run_id", cfg.Hook.PostRunCommand)
	assert.Equal(t, 4242, cfg.Guardian.ParentPID)
	assert.True(t, cfg.Builder.OptimizeForContainer)
}

func TestLoadConfig_BadParentPIDEnvIgnored(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	t.Setenv(EnvParentPID, "not-a-pid")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Guardian.ParentPID)
}

func TestLoadConfig_InvalidValuesRejected(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	path := writeTempConfig(t, t.TempDir(), `
pool:
  minProcesses: 9
  maxProcesses: 2
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.minProcesses")
}

func TestDefaultDataDir_EnvWins(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/custom-action-server-home")

	dir, err := DefaultDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-action-server-home", dir)
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		expected time.Duration
		wantErr  bool
	}{
		{name: "duration string", yaml: "pool: {idleTTL: 2m30s}", expected: 2*time.Minute + 30*time.Second},
		{name: "millis", yaml: "pool: {idleTTL: 250ms}", expected: 250 * time.Millisecond},
		{name: "bare integer is seconds", yaml: "pool: {idleTTL: 45}", expected: 45 * time.Second},
		{name: "garbage", yaml: "pool: {idleTTL: soon}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvHome, t.TempDir())
			path := writeTempConfig(t, t.TempDir(), tt.yaml)

			cfg, err := LoadConfig(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.Pool.IdleTTL.Std())
		})
	}
}
