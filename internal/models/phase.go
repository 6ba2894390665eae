package models

import "fmt"

// Phase is one coarse stage of the provisioning workflow. A session has
// exactly one current phase at a time, owned by the tracker; everything
// else only proposes hints.
type Phase int

const (
	PhaseStart             Phase = 0
	PhaseDevicePreparation Phase = 1
	PhaseDeviceSetup       Phase = 2
	PhaseAppsDevice        Phase = 3
	PhaseAccountSetup      Phase = 4
	PhaseAppsUser          Phase = 5
	PhaseFinalizing        Phase = 6
	PhaseComplete          Phase = 7
	PhaseFailed            Phase = 99
)

var phaseNames = map[Phase]string{
	PhaseStart:             "start",
	PhaseDevicePreparation: "device_preparation",
	PhaseDeviceSetup:       "device_setup",
	PhaseAppsDevice:        "apps_device",
	PhaseAccountSetup:      "account_setup",
	PhaseAppsUser:          "apps_user",
	PhaseFinalizing:        "finalizing",
	PhaseComplete:          "complete",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Terminal reports whether no further phase advances are possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// After reports whether p is forward progress relative to other.
// Failed compares after every non-terminal phase so a failure hint
// is always accepted from a running session.
func (p Phase) After(other Phase) bool {
	return p > other
}

// ParsePhase resolves a phase name as carried in rule files and remote
// configuration. Returns false for unknown names.
func ParsePhase(name string) (Phase, bool) {
	for p, n := range phaseNames {
		if n == name {
			return p, true
		}
	}
	return PhaseStart, false
}
