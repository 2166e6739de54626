package state

import (
	"encoding/json"
	"fmt"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
)

// Apply folds one event into the aggregate and returns the successor state.
// Pure with respect to its inputs: timestamps, budgets, and identifiers all
// come from the event, never from the clock or ambient configuration.
//
// INVARIANT: Apply never mutates s; it returns a clone.
func Apply(s *ValidationState, ev contracts.ValidationEvent) (*ValidationState, error) {
	if s == nil {
		return nil, fmt.Errorf("apply %s: nil state", ev.EventType)
	}
	if ev.ProjectID != s.ProjectID {
		return nil, fmt.Errorf("apply %s: event project %s does not match state project %s",
			ev.EventType, ev.ProjectID, s.ProjectID)
	}
	if ev.Sequence != s.Version+1 {
		return nil, fmt.Errorf("apply %s: sequence gap: state at version %d, event sequence %d",
			ev.EventType, s.Version, ev.Sequence)
	}

	if s.Terminal() {
		// A redundant kill is absorbed, not rejected: external cancellation
		// is idempotent. Anything else on a terminal project is a violation.
		if ev.EventType == contracts.EventProjectKilled {
			next := s.Clone()
			next.Version = ev.Sequence
			next.UpdatedAt = ev.Timestamp
			return next, nil
		}
		return nil, fmt.Errorf("apply %s to %s project %s: %w",
			ev.EventType, s.Phase, s.ProjectID, ErrTerminalState)
	}

	next := s.Clone()
	next.Version = ev.Sequence
	next.UpdatedAt = ev.Timestamp

	switch ev.EventType {
	case contracts.EventValidationStarted:
		var p contracts.ValidationStartedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		next.BusinessModel = p.BusinessModel
		next.PolicyVersion = p.PolicyVersion
		next.PivotBudget.MaxAttempts = p.MaxPivots
		next.Spend.LimitCents = p.SpendLimitCents
		next.CreatedAt = ev.Timestamp
		next.Status = contracts.FlowRunning

	case contracts.EventPhaseEntered:
		var p contracts.PhaseEnteredPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		if !p.Phase.Valid() || p.Phase.Terminal() {
			return nil, fmt.Errorf("apply %s: cannot enter phase %q", ev.EventType, p.Phase)
		}
		next.Phase = p.Phase
		next.Status = contracts.FlowRunning
		next.QA = QAPending

	case contracts.EventEvidenceRecorded:
		var p contracts.EvidenceRecordedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		touched := map[contracts.RiskAxis]bool{}
		for _, e := range p.Evidence {
			a := next.Axis(e.Axis)
			a.Evidence = append(a.Evidence, e)
			touched[e.Axis] = true
		}
		for axis := range touched {
			a := next.Axis(axis)
			a.Signal = DeriveSignal(a.Evidence)
		}
		if p.QAPassed != nil {
			if *p.QAPassed {
				next.QA = QAPassed
			} else {
				next.QA = QAFailed
			}
		}

	case contracts.EventRouterDecided:
		// Audit-only: the outcome lands via the follow-up event
		// (phase_entered, pivot_applied, checkpoint_raised, terminal).
		var p contracts.RouterDecisionPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}

	case contracts.EventCheckpointRaised:
		var p contracts.CheckpointRaisedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		next.Status = contracts.FlowAwaitingHuman
		next.Checkpoint = &PendingCheckpoint{
			CheckpointID: p.CheckpointID,
			Type:         p.CheckpointType,
			Phase:        p.Phase,
		}

	case contracts.EventCheckpointResolved:
		var p contracts.CheckpointResolvedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		if next.Checkpoint == nil || next.Checkpoint.CheckpointID != p.CheckpointID {
			return nil, fmt.Errorf("apply %s: checkpoint %s is not the active checkpoint",
				ev.EventType, p.CheckpointID)
		}
		resolvedPhase := next.Checkpoint.Phase
		next.Status = contracts.FlowRunning
		next.Checkpoint = nil
		if p.Pivot != nil {
			next.PendingPivot = &PendingPivot{Type: p.Pivot.Type, Envelope: p.Pivot}
		} else if p.Approved {
			if next.Approvals == nil {
				next.Approvals = make(map[contracts.Phase]string)
			}
			next.Approvals[resolvedPhase] = p.DecisionID
		} else {
			// Rejection without a pivot reworks the phase with corrective
			// context; the phase does not advance.
			next.QA = QAPending
		}

	case contracts.EventPivotApplied:
		var p contracts.PivotAppliedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		if p.PivotType == contracts.PivotKill {
			return nil, fmt.Errorf("apply %s: KILL must be recorded as %s",
				ev.EventType, contracts.EventProjectKilled)
		}
		if !p.ToPhase.Valid() || p.ToPhase.Terminal() {
			return nil, fmt.Errorf("apply %s: invalid pivot target phase %q", ev.EventType, p.ToPhase)
		}
		next.Phase = p.ToPhase
		next.Status = contracts.FlowRunning
		next.QA = QAPending
		next.PendingPivot = nil
		next.LastPivot = &p
		next.PivotBudget.Attempts = p.AttemptNumber
		archiveFrom(next, p.ToPhase)

	case contracts.EventPolicySelected:
		var p contracts.PolicySelectedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		next.PolicyVersion = p.PolicyVersion

	case contracts.EventSpendRecorded:
		var p contracts.SpendRecordedPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		next.Spend.SpentCents += p.AmountCents

	case contracts.EventProjectCompleted:
		next.Phase = contracts.PhaseComplete
		next.Status = contracts.FlowTerminal
		next.Checkpoint = nil

	case contracts.EventProjectKilled:
		var p contracts.ProjectKilledPayload
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		next.Phase = contracts.PhaseKilled
		next.Status = contracts.FlowTerminal
		next.KillReason = p.Reason
		// A kill supersedes any pending checkpoint.
		next.Checkpoint = nil
		next.PendingPivot = nil

	default:
		return nil, fmt.Errorf("apply: unknown event type %q", ev.EventType)
	}

	return next, nil
}

// Rebuild replays a full, ordered event history into the aggregate it
// deterministically produces. The first event must open the history.
func Rebuild(events []contracts.ValidationEvent) (*ValidationState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("rebuild: empty event history")
	}
	if events[0].EventType != contracts.EventValidationStarted {
		return nil, fmt.Errorf("rebuild: history must open with %s, got %s",
			contracts.EventValidationStarted, events[0].EventType)
	}

	s := New(events[0].ProjectID)
	for _, ev := range events {
		var err error
		s, err = Apply(s, ev)
		if err != nil {
			return nil, fmt.Errorf("rebuild: replay stopped at sequence %d: %w", ev.Sequence, err)
		}
	}
	return s, nil
}

// archiveFrom moves live evidence to the archive for every axis whose
// governing phase is at or after the pivot's reset phase. Later phases
// re-run after a pivot, so their old evidence no longer describes the
// hypothesis under test.
func archiveFrom(s *ValidationState, reset contracts.Phase) {
	invalidated := false
	for _, phase := range []contracts.Phase{
		contracts.PhaseDiscovery,
		contracts.PhaseDesirability,
		contracts.PhaseFeasibility,
		contracts.PhaseViability,
	} {
		if phase == reset {
			invalidated = true
		}
		if !invalidated {
			continue
		}
		delete(s.Approvals, phase)
		axis, ok := phase.GoverningAxis()
		if !ok {
			continue
		}
		a := s.Axis(axis)
		if len(a.Evidence) == 0 {
			continue
		}
		a.Archived = append(a.Archived, a.Evidence...)
		a.Evidence = nil
		a.Signal = contracts.SignalInsufficient
	}
}

func decodePayload(ev contracts.ValidationEvent, into any) error {
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return fmt.Errorf("apply %s: decode payload: %w", ev.EventType, err)
	}
	return nil
}
