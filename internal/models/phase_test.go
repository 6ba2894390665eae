package models

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrdering(t *testing.T) {
	ordered := []Phase{
		PhaseStart, PhaseDevicePreparation, PhaseDeviceSetup, PhaseAppsDevice,
		PhaseAccountSetup, PhaseAppsUser, PhaseFinalizing, PhaseComplete,
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i].After(ordered[i-1]),
			"%s must come after %s", ordered[i], ordered[i-1])
		assert.False(t, ordered[i-1].After(ordered[i]))
	}

	// Failed outranks every ordinary phase so a failure hint always lands.
	for _, p := range ordered {
		assert.True(t, PhaseFailed.After(p))
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseComplete.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseStart.Terminal())
	assert.False(t, PhaseFinalizing.Terminal())
}

func TestParsePhaseRoundTrip(t *testing.T) {
	for _, p := range []Phase{
		PhaseStart, PhaseDevicePreparation, PhaseDeviceSetup, PhaseAppsDevice,
		PhaseAccountSetup, PhaseAppsUser, PhaseFinalizing, PhaseComplete, PhaseFailed,
	} {
		got, ok := ParsePhase(p.String())
		require.True(t, ok, p.String())
		assert.Equal(t, p, got)
	}

	_, ok := ParsePhase("warp_speed")
	assert.False(t, ok)
	assert.False(t, Phase(42).Valid())
	assert.Equal(t, "phase(42)", Phase(42).String())
}

func TestSeveritySlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, SeverityDebug.SlogLevel())
	assert.Equal(t, slog.LevelInfo, SeverityInfo.SlogLevel())
	assert.Equal(t, slog.LevelWarn, SeverityWarning.SlogLevel())
	assert.Equal(t, slog.LevelError, SeverityError.SlogLevel())
	assert.Equal(t, slog.LevelError, SeverityCritical.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Severity("mystery").SlogLevel())
}
