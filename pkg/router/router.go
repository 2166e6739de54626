// Package router implements the gate router: the pure decision engine that
// reads a validation state and decides whether the flow advances, pivots,
// kills, or holds for a human. Decide performs no I/O and is deterministic,
// so the same state always yields the same decision.
package router

import (
	"fmt"
	"sync"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/google/cel-go/cel"
)

// Kind is the decision category.
type Kind string

const (
	Advance      Kind = "ADVANCE"
	Pivot        Kind = "PIVOT"
	HoldForHuman Kind = "HOLD_FOR_HUMAN"
	Kill         Kind = "KILL"
)

// HypothesisKind is the evidence kind crews use to deposit structured pivot
// proposals. The Qualitative field carries the envelope wire form.
const HypothesisKind = "pivot_hypothesis"

// Decision is the router verdict. Exactly the fields for its Kind are set.
type Decision struct {
	Kind Kind
	// NextPhase is set for ADVANCE. Advancing out of VIABILITY lands on
	// COMPLETE, which the driver records as project_completed.
	NextPhase contracts.Phase
	// Envelope and ResetPhase are set for PIVOT.
	Envelope   *contracts.PivotEnvelope
	ResetPhase contracts.Phase
	// RequestedBy distinguishes human pivots honored from a resume payload
	// from automatic policy pivots.
	RequestedBy contracts.ActorType
	// CheckpointID and ApprovalType are set for HOLD_FOR_HUMAN.
	CheckpointID string
	ApprovalType contracts.ApprovalType
	// Axis attributes a PIVOT or KILL to the risk axis that drove it.
	Axis   contracts.RiskAxis
	Signal contracts.Signal
	Reason string
}

// Router evaluates gate policy over validation state. Compiled guard
// programs are cached per expression; caching does not affect determinism.
type Router struct {
	policy   Policy
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// New builds a router for a policy.
func New(policy Policy) (*Router, error) {
	env, err := cel.NewEnv(
		cel.Variable("phase", cel.StringType),
		cel.Variable("qa_passed", cel.BoolType),
		cel.Variable("signals", cel.DynType),
		cel.Variable("pivot_attempts", cel.IntType),
		cel.Variable("max_pivots", cel.IntType),
		cel.Variable("spent_cents", cel.IntType),
		cel.Variable("spend_limit_cents", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("router: cel environment: %w", err)
	}
	return &Router{
		policy:   policy,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Policy returns the policy the router enforces.
func (r *Router) Policy() Policy { return r.policy }

// Decide maps a validation state to the next transition.
//
// Order of evaluation: terminal states admit nothing; an active checkpoint
// re-issues its hold; a validated human pivot preempts everything the policy
// would compute; then the current phase's gate runs — checkpoint declaration
// first, then the governing axis signal against the advance/pivot/kill
// policy, worst axis first when several are troubled.
func (r *Router) Decide(s *state.ValidationState) (Decision, error) {
	if s == nil {
		return Decision{}, fmt.Errorf("decide: nil state")
	}
	if s.Terminal() {
		return Decision{}, fmt.Errorf("decide %s: %w", s.ProjectID, state.ErrTerminalState)
	}

	if s.Checkpoint != nil {
		return Decision{
			Kind:         HoldForHuman,
			CheckpointID: s.Checkpoint.CheckpointID,
			ApprovalType: s.Checkpoint.Type,
			Reason:       "awaiting human decision",
		}, nil
	}

	if s.PendingPivot != nil {
		return r.decidePendingPivot(s)
	}

	if ckptType, declared := r.policy.CheckpointType(s.Phase); declared && s.Approvals[s.Phase] == "" {
		return Decision{
			Kind:         HoldForHuman,
			CheckpointID: checkpointID(s),
			ApprovalType: ckptType,
			Reason:       fmt.Sprintf("%s requires %s", s.Phase, ckptType),
		}, nil
	}

	axis, gated := s.Phase.GoverningAxis()
	if !gated {
		return r.advance(s)
	}

	signal := s.Axis(axis).Signal
	if signal.Passing() {
		return r.advance(s)
	}

	worst := r.worstTroubledAxis(s, axis)
	worstSignal := s.Axis(worst).Signal

	if s.PivotBudget.Exhausted() {
		return Decision{
			Kind:   Kill,
			Axis:   worst,
			Signal: worstSignal,
			Reason: fmt.Sprintf("pivot budget exhausted (%d/%d) with %s %s",
				s.PivotBudget.Attempts, s.PivotBudget.MaxAttempts, worst, worstSignal),
		}, nil
	}

	if env := latestHypothesis(s, worst); env != nil {
		reset, err := env.Type.ResetPhase()
		if err != nil {
			return Decision{}, fmt.Errorf("decide %s: %w", s.ProjectID, err)
		}
		return Decision{
			Kind:        Pivot,
			Envelope:    env,
			ResetPhase:  reset,
			RequestedBy: contracts.ActorSystem,
			Axis:        worst,
			Signal:      worstSignal,
			Reason:      fmt.Sprintf("%s signal %s, structured hypothesis available", worst, worstSignal),
		}, nil
	}

	return Decision{
		Kind:   Kill,
		Axis:   worst,
		Signal: worstSignal,
		Reason: fmt.Sprintf("%s signal %s with no pivot hypothesis", worst, worstSignal),
	}, nil
}

// decidePendingPivot honors a human pivot already validated at resume time.
// The envelope is re-validated anyway; a pending pivot that no longer parses
// is a corruption, not a fallback to automatic policy.
func (r *Router) decidePendingPivot(s *state.ValidationState) (Decision, error) {
	env := s.PendingPivot.Envelope
	if err := env.Validate(); err != nil {
		return Decision{}, fmt.Errorf("decide %s: pending pivot: %w", s.ProjectID, err)
	}
	if env.Type == contracts.PivotKill {
		return Decision{
			Kind:        Kill,
			RequestedBy: contracts.ActorHuman,
			Reason:      env.Reason,
		}, nil
	}
	reset, err := env.Type.ResetPhase()
	if err != nil {
		return Decision{}, fmt.Errorf("decide %s: pending pivot: %w", s.ProjectID, err)
	}
	if s.PivotBudget.Exhausted() {
		return Decision{
			Kind:        Kill,
			RequestedBy: contracts.ActorHuman,
			Reason: fmt.Sprintf("pivot budget exhausted (%d/%d); requested %s not honored",
				s.PivotBudget.Attempts, s.PivotBudget.MaxAttempts, env.Type),
		}, nil
	}
	return Decision{
		Kind:        Pivot,
		Envelope:    env,
		ResetPhase:  reset,
		RequestedBy: contracts.ActorHuman,
		Reason:      "human-requested pivot",
	}, nil
}

// advance emits ADVANCE after every guard holds. A guard that is false or
// cannot be evaluated blocks the advance and defers to a human.
func (r *Router) advance(s *state.ValidationState) (Decision, error) {
	for _, g := range r.policy.Guards {
		ok, err := r.evalGuard(g, s)
		if err != nil || !ok {
			reason := fmt.Sprintf("guard %s blocked advance", g.Name)
			if err != nil {
				reason = fmt.Sprintf("guard %s failed to evaluate: %v", g.Name, err)
			}
			return Decision{
				Kind:         HoldForHuman,
				CheckpointID: checkpointID(s),
				ApprovalType: contracts.ApprovalViability,
				Reason:       reason,
			}, nil
		}
	}

	next, err := s.Phase.Next()
	if err != nil {
		return Decision{}, fmt.Errorf("decide %s: %w", s.ProjectID, err)
	}
	axis, _ := s.Phase.GoverningAxis()
	return Decision{
		Kind:      Advance,
		NextPhase: next,
		Axis:      axis,
		Signal:    s.Axis(axis).Signal,
		Reason:    fmt.Sprintf("gate passed at %s", s.Phase),
	}, nil
}

// worstTroubledAxis picks the axis the decision is attributed to when the
// gate does not pass. Axes are ranked by the cost of being wrong (viability
// worst), and an axis counts as troubled only once it has evidence — an
// untested future axis is merely unknown, not failing.
func (r *Router) worstTroubledAxis(s *state.ValidationState, governing contracts.RiskAxis) contracts.RiskAxis {
	for _, axis := range contracts.AxesByCost {
		a := s.Axis(axis)
		if len(a.Evidence) == 0 {
			continue
		}
		if !a.Signal.Passing() {
			return axis
		}
	}
	return governing
}

// latestHypothesis returns the most recent structured pivot proposal
// deposited on the axis, or nil. Proposals arrive as evidence records of
// HypothesisKind whose Qualitative field carries the envelope wire form;
// records that fail to parse are skipped, never guessed at.
func latestHypothesis(s *state.ValidationState, axis contracts.RiskAxis) *contracts.PivotEnvelope {
	evidence := s.Axis(axis).Evidence
	for i := len(evidence) - 1; i >= 0; i-- {
		if evidence[i].Kind != HypothesisKind {
			continue
		}
		env, err := contracts.ParsePivotEnvelope(evidence[i].Qualitative)
		if err != nil {
			continue
		}
		if env.Type == contracts.PivotKill {
			continue
		}
		return env
	}
	return nil
}

func (r *Router) evalGuard(g Guard, s *state.ValidationState) (bool, error) {
	r.mu.Lock()
	prg, hit := r.programs[g.Expression]
	if !hit {
		ast, issues := r.env.Compile(g.Expression)
		if issues != nil && issues.Err() != nil {
			r.mu.Unlock()
			return false, fmt.Errorf("guard %s: compile: %w", g.Name, issues.Err())
		}
		p, err := r.env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			r.mu.Unlock()
			return false, fmt.Errorf("guard %s: program: %w", g.Name, err)
		}
		r.programs[g.Expression] = p
		prg = p
	}
	r.mu.Unlock()

	signals := make(map[string]string, len(s.Axes))
	for axis, a := range s.Axes {
		signals[string(axis)] = string(a.Signal)
	}
	out, _, err := prg.Eval(map[string]any{
		"phase":             string(s.Phase),
		"qa_passed":         s.QA == state.QAPassed,
		"signals":           signals,
		"pivot_attempts":    int64(s.PivotBudget.Attempts),
		"max_pivots":        int64(s.PivotBudget.MaxAttempts),
		"spent_cents":       s.Spend.SpentCents,
		"spend_limit_cents": s.Spend.LimitCents,
	})
	if err != nil {
		return false, fmt.Errorf("guard %s: eval: %w", g.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("guard %s: expression is not boolean", g.Name)
	}
	return ok, nil
}

// checkpointID derives a stable checkpoint identifier from the state so
// Decide stays a pure function. Version uniqueness makes ids unique per
// raise.
func checkpointID(s *state.ValidationState) string {
	return fmt.Sprintf("ckpt-%s-%s-v%d", s.ProjectID, s.Phase, s.Version)
}

// Payload renders the decision as the audit event body.
func (d Decision) Payload(s *state.ValidationState, policyVersion string) contracts.RouterDecisionPayload {
	return contracts.RouterDecisionPayload{
		Decision:      string(d.Kind),
		Phase:         s.Phase,
		Axis:          d.Axis,
		Signal:        d.Signal,
		Reason:        d.Reason,
		PolicyVersion: policyVersion,
	}
}
