// Package state defines the ValidationState aggregate and its deterministic
// event reducer. The event log is the source of truth; the aggregate here is
// a derived projection — replaying a project's events from the beginning
// always reproduces the identical state.
package state

import (
	"errors"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
)

// ErrTerminalState marks an attempt to mutate a project that is already
// COMPLETE or KILLED. Rejected, logged, never silently applied.
var ErrTerminalState = errors.New("project is in a terminal state")

// QAStatus is the crew-output quality gate status for the current phase.
type QAStatus string

const (
	QAPending QAStatus = "PENDING"
	QAPassed  QAStatus = "PASSED"
	QAFailed  QAStatus = "FAILED"
)

// AxisState accumulates evidence and the derived signal for one risk axis.
type AxisState struct {
	Signal contracts.Signal `json:"signal"`
	// Evidence is the live set the router consults, append-only within a
	// phase. A pivot archives it and resets the signal.
	Evidence []contracts.Evidence `json:"evidence,omitempty"`
	// Archived holds evidence superseded by pivots, kept for audit.
	Archived []contracts.Evidence `json:"archived,omitempty"`
}

// PivotBudget bounds how many pivots a project may attempt before the
// router kills it instead.
type PivotBudget struct {
	MaxAttempts int `json:"max_attempts"`
	Attempts    int `json:"attempts"`
}

// Exhausted reports whether another pivot would exceed the budget.
func (b PivotBudget) Exhausted() bool {
	return b.MaxAttempts > 0 && b.Attempts >= b.MaxAttempts
}

// Spend tracks validation spend against the project cap, in cents.
type Spend struct {
	LimitCents int64 `json:"limit_cents"`
	SpentCents int64 `json:"spent_cents"`
}

// PendingCheckpoint identifies the checkpoint a suspended flow waits on.
type PendingCheckpoint struct {
	CheckpointID string                 `json:"checkpoint_id"`
	Type         contracts.ApprovalType `json:"checkpoint_type"`
	Phase        contracts.Phase        `json:"phase"`
}

// PendingPivot is a validated pivot awaiting application (recorded between a
// human pivot decision and the pivot_applied event).
type PendingPivot struct {
	Type     contracts.PivotType      `json:"pivot_type"`
	Envelope *contracts.PivotEnvelope `json:"envelope,omitempty"`
}

// ValidationState is the aggregate root for one project's validation flow.
// It is owned by the repository and mutated only by the reducer applying
// events — never directly by agent output.
type ValidationState struct {
	ProjectID     string                               `json:"project_id"`
	Phase         contracts.Phase                      `json:"phase"`
	Status        contracts.FlowStatus                 `json:"status"`
	BusinessModel contracts.BusinessModelType          `json:"business_model"`
	Axes          map[contracts.RiskAxis]*AxisState    `json:"axes"`
	QA            QAStatus                             `json:"qa_status"`
	PolicyVersion string                               `json:"policy_version"`
	PivotBudget   PivotBudget                          `json:"pivot_budget"`
	Spend         Spend                                `json:"spend"`
	Checkpoint    *PendingCheckpoint                   `json:"checkpoint,omitempty"`
	PendingPivot  *PendingPivot                        `json:"pending_pivot,omitempty"`
	// Approvals maps a phase to the decision id of the human approval that
	// satisfied its checkpoint. Pivots clear entries for phases that re-run.
	Approvals map[contracts.Phase]string `json:"approvals,omitempty"`
	// LastPivot records the most recently applied pivot for audit context.
	LastPivot *contracts.PivotAppliedPayload `json:"last_pivot,omitempty"`
	// KillReason is set when the project is KILLED.
	KillReason string `json:"kill_reason,omitempty"`
	// Version is the optimistic-concurrency token: the sequence of the last
	// applied event. Save with a stale version fails.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns the intake state for a project: phase ONBOARDING, empty
// evidence, version zero (no events applied yet).
func New(projectID string) *ValidationState {
	return &ValidationState{
		ProjectID: projectID,
		Phase:     contracts.PhaseOnboarding,
		Status:    contracts.FlowRunning,
		QA:        QAPending,
		Axes: map[contracts.RiskAxis]*AxisState{
			contracts.AxisDesirability: {Signal: contracts.SignalInsufficient},
			contracts.AxisFeasibility:  {Signal: contracts.SignalInsufficient},
			contracts.AxisViability:    {Signal: contracts.SignalInsufficient},
		},
	}
}

// Terminal reports whether the aggregate admits no further transitions.
func (s *ValidationState) Terminal() bool {
	return s.Phase.Terminal()
}

// Axis returns the state for one axis, initializing it if absent.
func (s *ValidationState) Axis(axis contracts.RiskAxis) *AxisState {
	if s.Axes == nil {
		s.Axes = make(map[contracts.RiskAxis]*AxisState)
	}
	a, ok := s.Axes[axis]
	if !ok {
		a = &AxisState{Signal: contracts.SignalInsufficient}
		s.Axes[axis] = a
	}
	return a
}

// Clone returns a deep copy. The reducer mutates only clones so callers can
// hold references to prior versions safely.
func (s *ValidationState) Clone() *ValidationState {
	out := *s
	out.Axes = make(map[contracts.RiskAxis]*AxisState, len(s.Axes))
	for axis, a := range s.Axes {
		cp := &AxisState{Signal: a.Signal}
		cp.Evidence = append([]contracts.Evidence(nil), a.Evidence...)
		cp.Archived = append([]contracts.Evidence(nil), a.Archived...)
		out.Axes[axis] = cp
	}
	if s.Checkpoint != nil {
		cp := *s.Checkpoint
		out.Checkpoint = &cp
	}
	if s.Approvals != nil {
		out.Approvals = make(map[contracts.Phase]string, len(s.Approvals))
		for phase, id := range s.Approvals {
			out.Approvals[phase] = id
		}
	}
	if s.PendingPivot != nil {
		pp := *s.PendingPivot
		out.PendingPivot = &pp
	}
	if s.LastPivot != nil {
		lp := *s.LastPivot
		out.LastPivot = &lp
	}
	return &out
}
