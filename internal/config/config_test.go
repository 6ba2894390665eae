package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8070", cfg.Endpoint.URL)
	assert.Equal(t, 30*time.Second, cfg.Endpoint.Timeout)
	assert.Equal(t, "/var/lib/provsight", cfg.Storage.DataDir)
	assert.Equal(t, "file", cfg.Monitor.ProgressSource)
	assert.Equal(t, 15*time.Second, cfg.Monitor.DefaultInterval)
	assert.True(t, cfg.Monitor.WatchLogWrites)
	assert.Equal(t, 10*time.Minute, cfg.Tracker.AccountSignalWindow)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  url: https://collect.example.com
  device_credential: dev-token
  timeout: 10s
storage:
  data_dir: /tmp/provsight-test
monitor:
  log_files:
    - /var/log/setup.log
    - /var/log/enroll.log
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://collect.example.com", cfg.Endpoint.URL)
	assert.Equal(t, "dev-token", cfg.Endpoint.DeviceCredential)
	assert.Equal(t, 10*time.Second, cfg.Endpoint.Timeout)
	assert.Equal(t, []string{"/var/log/setup.log", "/var/log/enroll.log"}, cfg.Monitor.LogFiles)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Tracker.AccountSignalWindow)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDataDirPaths(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{DataDir: "/var/lib/provsight"}}
	assert.Equal(t, filepath.Join("/var/lib/provsight", "spool.jsonl"), cfg.SpoolPath())
	assert.Equal(t, filepath.Join("/var/lib/provsight", "cursors.json"), cfg.CursorPath())
	assert.Equal(t, filepath.Join("/var/lib/provsight", "config.json"), cfg.ConfigCachePath())
}
