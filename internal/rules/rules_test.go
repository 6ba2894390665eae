package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

func TestCompileSkipsBrokenRules(t *testing.T) {
	raw := []models.Rule{
		{Name: "good", MatchType: models.MatchLogLine, Pattern: `ok`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, Enabled: true},
		{Name: "bad-pattern", MatchType: models.MatchLogLine, Pattern: `([unclosed`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, Enabled: true},
		{Name: "bad-phase", MatchType: models.MatchLogLine, Pattern: `x`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, PhaseHint: "no_such_phase", Enabled: true},
		{Name: "disabled", MatchType: models.MatchLogLine, Pattern: `y`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, Enabled: false},
	}
	set := Compile(7, raw, logging.Discard())

	assert.Equal(t, 7, set.Version())
	assert.Equal(t, 1, set.Len())

	_, ok := set.Match(models.MatchLogLine, "ok then")
	assert.True(t, ok)
	_, ok = set.Match(models.MatchLogLine, "y")
	assert.False(t, ok, "disabled rule must not match")
}

func TestMatchFirstWins(t *testing.T) {
	raw := []models.Rule{
		{Name: "broad", MatchType: models.MatchLogLine, Pattern: `error`, EventType: models.TypeLogEntry, Severity: models.SeverityWarning, Enabled: true},
		{Name: "specific", MatchType: models.MatchLogLine, Pattern: `error 0x801c`, EventType: models.TypeErrorDetected, Severity: models.SeverityError, Enabled: true},
	}
	set := Compile(1, raw, logging.Discard())

	c, ok := set.Match(models.MatchLogLine, "enrollment error 0x801c0003")
	require.True(t, ok)
	assert.Equal(t, "broad", c.Rule.Name, "rules are evaluated in set order")
}

func TestMatchRespectsTarget(t *testing.T) {
	raw := []models.Rule{
		{Name: "log-only", MatchType: models.MatchLogLine, Pattern: `install`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, Enabled: true},
	}
	set := Compile(1, raw, logging.Discard())

	_, ok := set.Match(models.MatchEventLog, "install started")
	assert.False(t, ok)
}

func TestPhaseHintResolved(t *testing.T) {
	raw := []models.Rule{
		{Name: "done", MatchType: models.MatchLogLine, Pattern: `complete`, EventType: models.TypeLogEntry, Severity: models.SeverityInfo, PhaseHint: "complete", Enabled: true},
	}
	set := Compile(1, raw, logging.Discard())

	c, ok := set.Match(models.MatchLogLine, "provisioning complete")
	require.True(t, ok)
	require.NotNil(t, c.PhaseHint)
	assert.Equal(t, models.PhaseComplete, *c.PhaseHint)
}

func TestDefaultBundleCompiles(t *testing.T) {
	set, err := Default(logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Version())
	assert.Greater(t, set.Len(), 5)

	c, ok := set.Match(models.MatchLogLine, "Application Defender installation failed")
	require.True(t, ok)
	assert.Equal(t, models.TypeAppInstallFailed, c.Rule.EventType)
	assert.Equal(t, models.SeverityError, c.Rule.Severity)

	c, ok = set.Match(models.MatchEventLog, "DeviceManagement: sync failure 0x80190190")
	require.True(t, ok)
	assert.Equal(t, models.TypeErrorDetected, c.Rule.EventType)
}
