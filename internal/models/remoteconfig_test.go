package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRemoteConfigIsConservative(t *testing.T) {
	cfg := DefaultRemoteConfig()

	// Only baseline telemetry runs until the backend says otherwise.
	assert.False(t, cfg.Collectors[CollectorLogTail].Enabled)
	assert.False(t, cfg.Collectors[CollectorEventLog].Enabled)
	assert.False(t, cfg.Collectors[CollectorProgress].Enabled)
	assert.True(t, cfg.Collectors[CollectorResources].Enabled)

	require.Greater(t, cfg.MaxBatchSize, 0)
	require.Greater(t, cfg.UploadInterval, time.Duration(0))
	assert.False(t, cfg.SelfCleanup)
	assert.True(t, cfg.PreserveLogs)
}

func TestCollectorEnabledResourcesAlwaysOn(t *testing.T) {
	cfg := &RemoteConfig{Collectors: map[string]CollectorConfig{
		CollectorResources: {Enabled: false},
		CollectorLogTail:   {Enabled: true},
	}}

	assert.True(t, cfg.CollectorEnabled(CollectorResources), "resources cannot be disabled remotely")
	assert.True(t, cfg.CollectorEnabled(CollectorLogTail))
	assert.False(t, cfg.CollectorEnabled(CollectorEventLog), "unknown collectors default off")
}

func TestCollectorInterval(t *testing.T) {
	cfg := &RemoteConfig{Collectors: map[string]CollectorConfig{
		CollectorLogTail:  {Enabled: true, Interval: 3 * time.Second},
		CollectorEventLog: {Enabled: true},
	}}

	assert.Equal(t, 3*time.Second, cfg.CollectorInterval(CollectorLogTail, time.Minute))
	assert.Equal(t, time.Minute, cfg.CollectorInterval(CollectorEventLog, time.Minute), "zero interval falls back")
	assert.Equal(t, time.Minute, cfg.CollectorInterval("absent", time.Minute))
}
