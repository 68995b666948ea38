package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.ReconnectWindow)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shepherd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
queue:
  workers: 8
  retry_backoff_base: 2s
orchestrator:
  reconnect_window: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryBackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.ReconnectWindow)

	// Untouched sections keep their defaults.
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 24*time.Hour, cfg.Queue.ExpireAfter)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHEPHERD_DATA_DIR", "/var/lib/shepherd")
	t.Setenv("SHEPHERD_PORT", "9999")
	t.Setenv("SHEPHERD_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/shepherd", cfg.Storage.DataDir)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }, "workers"},
		{"negative retries", func(c *Config) { c.Queue.DefaultMaxRetries = -1 }, "max_retries"},
		{"cap below base", func(c *Config) {
			c.Queue.RetryBackoffBase = time.Minute
			c.Queue.RetryBackoffCap = time.Second
		}, "retry_backoff_cap"},
		{"zero reconnect window", func(c *Config) { c.Orchestrator.ReconnectWindow = 0 }, "reconnect_window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
