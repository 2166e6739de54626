package router

import (
	"fmt"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Masterminds/semver/v3"
)

// Guard is a CEL boolean expression evaluated over state facts before an
// ADVANCE is emitted. A false or failing guard blocks the advance and defers
// to a human instead (fail-closed).
type Guard struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// Policy is a versioned gate configuration: which phases declare HITL
// checkpoints, which guards must hold to advance, and the signal thresholds
// already baked into state.DeriveSignal.
type Policy struct {
	Version *semver.Version
	// Checkpoints declares per phase the human approval that must be granted
	// before the gate decision for that phase may be finalized.
	Checkpoints map[contracts.Phase]contracts.ApprovalType
	// Guards apply to every ADVANCE regardless of phase.
	Guards []Guard
}

// NewPolicy validates a policy definition. The version must be semver; it is
// pinned into the project history via the policy_selected event so replays
// know which policy governed each decision.
func NewPolicy(version string, checkpoints map[contracts.Phase]contracts.ApprovalType, guards []Guard) (Policy, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Policy{}, fmt.Errorf("policy version %q: %w", version, err)
	}
	for phase := range checkpoints {
		if !phase.Valid() || phase.Terminal() {
			return Policy{}, fmt.Errorf("policy %s: checkpoint on invalid phase %q", version, phase)
		}
	}
	return Policy{Version: v, Checkpoints: checkpoints, Guards: guards}, nil
}

// DefaultPolicy gates creative output before the desirability experiments
// run, and the final verdict at viability.
func DefaultPolicy() Policy {
	p, err := NewPolicy("1.0.0", map[contracts.Phase]contracts.ApprovalType{
		contracts.PhaseDiscovery: contracts.ApprovalCreative,
		contracts.PhaseViability: contracts.ApprovalViability,
	}, []Guard{
		{Name: "spend_within_limit", Expression: "spend_limit_cents == 0 || spent_cents <= spend_limit_cents"},
	})
	if err != nil {
		panic(err) // static definition, cannot fail
	}
	return p
}

// CheckpointType returns the approval the policy requires at a phase, if any.
func (p Policy) CheckpointType(phase contracts.Phase) (contracts.ApprovalType, bool) {
	t, ok := p.Checkpoints[phase]
	return t, ok
}

// AtLeast reports whether the policy version satisfies a minimum.
func (p Policy) AtLeast(min string) (bool, error) {
	c, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return false, fmt.Errorf("policy constraint %q: %w", min, err)
	}
	return c.Check(p.Version), nil
}
