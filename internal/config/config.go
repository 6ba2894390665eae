package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the local agent configuration. It covers host-side concerns
// only (paths, endpoint, credential); runtime behavior such as collector
// enablement and intervals comes from the remote configuration snapshot.
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type SessionConfig struct {
	TenantID string `mapstructure:"tenant_id"`
}

type EndpointConfig struct {
	URL              string        `mapstructure:"url"`
	DeviceCredential string        `mapstructure:"device_credential"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type MonitorConfig struct {
	LogFiles        []string      `mapstructure:"log_files"`
	EventLogFile    string        `mapstructure:"event_log_file"`
	ProgressSource  string        `mapstructure:"progress_source"` // "file" or "registry"
	ProgressFile    string        `mapstructure:"progress_file"`
	ProgressKey     string        `mapstructure:"progress_key"` // registry key path on windows
	DebugMatchLog   string        `mapstructure:"debug_match_log"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	WatchLogWrites  bool          `mapstructure:"watch_log_writes"`
}

type TrackerConfig struct {
	AccountSignalWindow time.Duration `mapstructure:"account_signal_window"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SpoolPath, CursorPath and ConfigCachePath are the agent-owned files under
// the data directory. Everything self-cleanup removes lives here.
func (c *Config) SpoolPath() string       { return filepath.Join(c.Storage.DataDir, "spool.jsonl") }
func (c *Config) CursorPath() string      { return filepath.Join(c.Storage.DataDir, "cursors.json") }
func (c *Config) ConfigCachePath() string { return filepath.Join(c.Storage.DataDir, "config.json") }

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("session.tenant_id", "")
	v.SetDefault("endpoint.url", "http://localhost:8070")
	v.SetDefault("endpoint.device_credential", "")
	v.SetDefault("endpoint.timeout", "30s")
	v.SetDefault("storage.data_dir", "/var/lib/provsight")
	v.SetDefault("monitor.log_files", []string{})
	v.SetDefault("monitor.event_log_file", "")
	v.SetDefault("monitor.progress_source", "file")
	v.SetDefault("monitor.progress_file", "")
	v.SetDefault("monitor.progress_key", `SOFTWARE\Microsoft\Enrollments\Status`)
	v.SetDefault("monitor.debug_match_log", "")
	v.SetDefault("monitor.default_interval", "15s")
	v.SetDefault("monitor.watch_log_writes", true)
	v.SetDefault("tracker.account_signal_window", "10m")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9470")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/provsight")
	}

	v.SetEnvPrefix("PROVSIGHT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
