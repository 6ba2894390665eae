// Package tracker owns the canonical enrollment phase for the session.
// Collectors only propose phase hints on their events; the tracker decides
// whether a hint is forward progress, emits phase_transition events, and
// signals the orchestrator when the session reaches a terminal phase.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// Variant names the enrollment sequence in play. The full sequence visits
// every phase; the streamlined one skips DeviceSetup, AccountSetup and
// AppsUser. Inference is best effort and reported as a diagnostic only.
type Variant string

const (
	VariantFull        Variant = "full"
	VariantStreamlined Variant = "streamlined"
)

// streamlinedSkips are the phases absent from the streamlined sequence.
var streamlinedSkips = map[models.Phase]bool{
	models.PhaseDeviceSetup:  true,
	models.PhaseAccountSetup: true,
	models.PhaseAppsUser:     true,
}

// Tracker is the enrollment phase state machine.
type Tracker struct {
	mu sync.Mutex

	current models.Phase
	variant Variant

	// variant inference state
	sawSkipEvidence  bool
	sawAccountSignal bool
	appsDeviceAt     time.Time
	accountWindow    time.Duration

	done     chan struct{}
	doneOnce sync.Once
	log      *logging.Logger
	now      func() time.Time
}

// New returns a tracker starting at PhaseStart assuming the full sequence.
// accountWindow bounds how long the tracker waits for account-setup
// signals after AppsDevice before inferring the streamlined variant.
func New(accountWindow time.Duration, log *logging.Logger) *Tracker {
	return &Tracker{
		current:       models.PhaseStart,
		variant:       VariantFull,
		accountWindow: accountWindow,
		done:          make(chan struct{}),
		log:           log.Component("tracker"),
		now:           time.Now,
	}
}

// Current returns the session's current phase.
func (t *Tracker) Current() models.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Variant returns the inferred enrollment variant.
func (t *Tracker) Variant() Variant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.variant
}

// Done is closed once when a terminal phase is reached.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Observe feeds one collector event through the state machine and returns
// any derived events (phase transitions, the terminal event). The caller
// stamps and spools the returned events; the tracker never touches the
// spool directly.
func (t *Tracker) Observe(ev models.Event) []models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.noteSignals(ev)

	var derived []models.Event
	if ev.PhaseHint != nil {
		derived = t.advanceLocked(*ev.PhaseHint)
	}
	if more := t.checkAccountWindowLocked(); more != nil {
		derived = append(derived, more...)
	}
	return derived
}

// Tick lets the orchestrator drive time-based inference between events.
func (t *Tracker) Tick() []models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkAccountWindowLocked()
}

func (t *Tracker) noteSignals(ev models.Event) {
	if ev.PhaseHint == nil {
		return
	}
	hint := *ev.PhaseHint
	if hint == models.PhaseAccountSetup || hint == models.PhaseAppsUser {
		t.sawAccountSignal = true
	}
	// A forward jump over a streamlined-skipped phase is positive evidence
	// for the streamlined sequence.
	if hint.After(t.current) && !hint.Terminal() {
		for p := t.current + 1; p < hint; p++ {
			if streamlinedSkips[p] && !streamlinedSkips[hint] {
				t.sawSkipEvidence = true
			}
		}
	}
}

func (t *Tracker) advanceLocked(hint models.Phase) []models.Event {
	if t.current.Terminal() {
		return nil
	}
	if !hint.Valid() {
		t.log.Error("invalid phase hint dropped", "hint", int(hint))
		return nil
	}

	if hint == models.PhaseFailed {
		return t.transitionLocked(models.PhaseFailed)
	}
	if !hint.After(t.current) {
		// Same-phase repeats and stale backward hints are absorbed.
		return nil
	}
	return t.transitionLocked(hint)
}

func (t *Tracker) transitionLocked(next models.Phase) []models.Event {
	prev := t.current
	t.current = next
	metrics.CurrentPhase.Set(float64(next))

	if t.sawSkipEvidence && !t.sawAccountSignal {
		t.variant = VariantStreamlined
	}
	if next == models.PhaseAppsDevice {
		t.appsDeviceAt = t.now()
	}

	t.log.Info("phase transition", "from", prev.String(), "to", next.String(), "variant", string(t.variant))

	events := []models.Event{{
		Type:     models.TypePhaseTransition,
		Severity: models.SeverityInfo,
		Source:   "tracker",
		Phase:    next,
		Message:  fmt.Sprintf("enrollment phase %s -> %s", prev, next),
		Payload: map[string]any{
			"from":    int(prev),
			"to":      int(next),
			"variant": string(t.variant),
		},
	}}

	if next.Terminal() {
		events = append(events, t.terminalEventLocked(next))
		t.doneOnce.Do(func() { close(t.done) })
	}
	return events
}

func (t *Tracker) terminalEventLocked(p models.Phase) models.Event {
	typ := models.TypeEnrollmentCompleted
	sev := models.SeverityInfo
	msg := "enrollment completed"
	if p == models.PhaseFailed {
		typ = models.TypeEnrollmentFailed
		sev = models.SeverityError
		msg = "enrollment failed"
	}
	return models.Event{
		Type:     typ,
		Severity: sev,
		Source:   "tracker",
		Phase:    p,
		Message:  msg,
		Payload:  map[string]any{"variant": string(t.variant)},
	}
}

// checkAccountWindowLocked infers the streamlined variant when no
// account-setup signal arrived within the window after blocking installs.
// Inference only relabels the variant diagnostic; it never moves phases.
func (t *Tracker) checkAccountWindowLocked() []models.Event {
	if t.variant == VariantStreamlined || t.sawAccountSignal {
		return nil
	}
	if t.appsDeviceAt.IsZero() || t.accountWindow <= 0 {
		return nil
	}
	if t.now().Sub(t.appsDeviceAt) < t.accountWindow {
		return nil
	}
	t.variant = VariantStreamlined
	t.log.Info("no account-setup signal within window, inferring streamlined variant",
		"window", t.accountWindow)
	return nil
}
