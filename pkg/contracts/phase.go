// Package contracts defines the shared closed types of the validation kernel:
// phases, risk axes, signals, evidence, events, decisions, and the pivot
// envelope grammar. Everything that crosses a package boundary is declared
// here so stores, routers, and drivers agree on one vocabulary.
package contracts

import "fmt"

// Phase is a stage of the validation pipeline. Progression is monotonic
// forward except pivot transitions, which may reset to an earlier phase
// with a recorded reason.
type Phase string

const (
	PhaseOnboarding   Phase = "ONBOARDING"
	PhaseDiscovery    Phase = "DISCOVERY"
	PhaseDesirability Phase = "DESIRABILITY"
	PhaseFeasibility  Phase = "FEASIBILITY"
	PhaseViability    Phase = "VIABILITY"
	PhaseComplete     Phase = "COMPLETE"
	PhaseKilled       Phase = "KILLED"
)

// phaseOrder is the fixed forward progression. Terminal phases are not
// reachable by ordinary advancement from KILLED.
var phaseOrder = []Phase{
	PhaseOnboarding,
	PhaseDiscovery,
	PhaseDesirability,
	PhaseFeasibility,
	PhaseViability,
	PhaseComplete,
}

// Next returns the phase following p in the fixed order.
func (p Phase) Next() (Phase, error) {
	for i, candidate := range phaseOrder {
		if candidate == p {
			if i == len(phaseOrder)-1 {
				return "", fmt.Errorf("phase %s has no successor", p)
			}
			return phaseOrder[i+1], nil
		}
	}
	return "", fmt.Errorf("phase %s is not in the forward order", p)
}

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseKilled
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseOnboarding, PhaseDiscovery, PhaseDesirability,
		PhaseFeasibility, PhaseViability, PhaseComplete, PhaseKilled:
		return true
	}
	return false
}

// GoverningAxis returns the risk axis whose signal gates advancement out of
// the phase. Early phases (onboarding, discovery) are not axis-gated; their
// second return is false.
func (p Phase) GoverningAxis() (RiskAxis, bool) {
	switch p {
	case PhaseDesirability:
		return AxisDesirability, true
	case PhaseFeasibility:
		return AxisFeasibility, true
	case PhaseViability:
		return AxisViability, true
	}
	return "", false
}

// FlowStatus is the suspension state of a project's validation flow.
type FlowStatus string

const (
	// FlowRunning means the flow is free to execute the current phase.
	FlowRunning FlowStatus = "RUNNING"
	// FlowAwaitingHuman means the flow is durably suspended at a checkpoint
	// until an external decision payload arrives.
	FlowAwaitingHuman FlowStatus = "AWAITING_HUMAN"
	// FlowTerminal means the project reached COMPLETE or KILLED.
	FlowTerminal FlowStatus = "TERMINAL"
)
