package models

import (
	"log/slog"
	"time"
)

// EventType identifies what an event describes. Open set: collectors may
// emit types the backend has not seen before, but the values below cover
// the enrollment timeline the dashboard reconstructs.
type EventType string

const (
	TypePhaseTransition     EventType = "phase_transition"
	TypeAppInstallStarted   EventType = "app_install_started"
	TypeAppInstallCompleted EventType = "app_install_completed"
	TypeAppInstallFailed    EventType = "app_install_failed"
	TypeDownloadProgress    EventType = "download_progress"
	TypeESPUIState          EventType = "esp_ui_state"
	TypeLogEntry            EventType = "log_entry"
	TypePerformanceSnapshot EventType = "performance_snapshot"
	TypeErrorDetected       EventType = "error_detected"
	TypeEnrollmentCompleted EventType = "enrollment_completed"
	TypeEnrollmentFailed    EventType = "enrollment_failed"
)

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SlogLevel maps a severity onto the agent's own log levels.
func (s Severity) SlogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is one observation on the enrollment timeline. Immutable once the
// sink has stamped identity and ordering fields; the ID is the server-side
// deduplication key and the (SessionID, Sequence) pair is strictly
// increasing and never reused.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Phase     Phase          `json:"phase"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`

	// PhaseHint is a proposal to the phase tracker, set by collectors
	// whose rules or state reads imply progress. Never authoritative.
	PhaseHint *Phase `json:"phase_hint,omitempty"`
}

// HintPhase is a convenience for building events with a phase hint.
func HintPhase(p Phase) *Phase { return &p }
