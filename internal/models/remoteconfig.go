package models

import "time"

// MatchType selects which collector evaluates a rule.
type MatchType string

const (
	MatchLogLine       MatchType = "log_line"
	MatchEventLog      MatchType = "event_log"
	MatchRegistryValue MatchType = "registry_value"
)

// Rule converts one raw host signal into a typed event. Rules are only
// ever replaced as a whole versioned set.
type Rule struct {
	Name      string    `json:"name" yaml:"name"`
	MatchType MatchType `json:"match_type" yaml:"match_type"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	EventType EventType `json:"event_type" yaml:"event_type"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	PhaseHint string    `json:"phase_hint,omitempty" yaml:"phase_hint,omitempty"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
}

// CollectorConfig is the remote enablement/interval knob for one collector.
type CollectorConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// RemoteConfig is the behavior snapshot fetched from the backend. Snapshots
// are immutable and swapped atomically; a new version replaces the whole
// thing, including the rule set.
type RemoteConfig struct {
	Version         int                        `json:"version"`
	Collectors      map[string]CollectorConfig `json:"collectors"`
	Rules           []Rule                     `json:"rules"`
	RulesVersion    int                        `json:"rules_version"`
	MaxBatchSize    int                        `json:"max_batch_size"`
	UploadInterval  time.Duration              `json:"upload_interval"`
	RefreshInterval time.Duration              `json:"refresh_interval"`
	MaxUploadRetry  int                        `json:"max_upload_retry"`
	SelfCleanup     bool                       `json:"self_cleanup"`
	PreserveLogs    bool                       `json:"preserve_logs"`
}

// Collector names used in RemoteConfig.Collectors and Event.Source.
const (
	CollectorLogTail   = "logtail"
	CollectorEventLog  = "event-log"
	CollectorResources = "resources"
	CollectorProgress  = "progress"
)

// DefaultRemoteConfig is the hard-coded fallback used when the backend is
// unreachable and no cached snapshot exists: optional collectors stay off,
// the resource collector establishes baseline telemetry regardless.
func DefaultRemoteConfig() *RemoteConfig {
	return &RemoteConfig{
		Version: 0,
		Collectors: map[string]CollectorConfig{
			CollectorLogTail:   {Enabled: false, Interval: 10 * time.Second},
			CollectorEventLog:  {Enabled: false, Interval: 30 * time.Second},
			CollectorResources: {Enabled: true, Interval: 60 * time.Second},
			CollectorProgress:  {Enabled: false, Interval: 5 * time.Second},
		},
		MaxBatchSize:    200,
		UploadInterval:  30 * time.Second,
		RefreshInterval: 5 * time.Minute,
		MaxUploadRetry:  3,
		SelfCleanup:     false,
		PreserveLogs:    true,
	}
}

// CollectorEnabled resolves enablement with the resource collector always
// on, per the baseline-telemetry contract.
func (c *RemoteConfig) CollectorEnabled(name string) bool {
	if name == CollectorResources {
		return true
	}
	cc, ok := c.Collectors[name]
	return ok && cc.Enabled
}

// CollectorInterval returns the configured poll interval for a collector,
// or fallback when the snapshot does not mention it.
func (c *RemoteConfig) CollectorInterval(name string, fallback time.Duration) time.Duration {
	if cc, ok := c.Collectors[name]; ok && cc.Interval > 0 {
		return cc.Interval
	}
	return fallback
}
