package contracts

import (
	"encoding/json"
	"time"
)

// EventType categorizes a ValidationEvent.
type EventType string

const (
	EventValidationStarted  EventType = "validation_started"
	EventPhaseEntered       EventType = "phase_entered"
	EventEvidenceRecorded   EventType = "evidence_recorded"
	EventRouterDecided      EventType = "router_decided"
	EventCheckpointRaised   EventType = "checkpoint_raised"
	EventCheckpointResolved EventType = "checkpoint_resolved"
	EventPivotApplied       EventType = "pivot_applied"
	EventPolicySelected     EventType = "policy_selected"
	EventSpendRecorded      EventType = "spend_recorded"
	EventProjectCompleted   EventType = "project_completed"
	EventProjectKilled      EventType = "project_killed"
)

// ValidationEvent is an immutable fact in a project's append-only history.
// The event log is the source of truth; ValidationState is a derived
// projection rebuilt by replaying events in sequence order.
//
// Sequence is assigned at append time by the log, never by the client, so a
// single linear history holds even under concurrent writers. EntryHash and
// PrevHash chain the events (sha256 over the JCS-canonical encoding).
type ValidationEvent struct {
	EventID   string    `json:"event_id"`
	ProjectID string    `json:"project_id"`
	Sequence  uint64    `json:"sequence"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	// Payload is the typed event body, one of the *Payload structs below,
	// serialized as canonical JSON.
	Payload json.RawMessage `json:"payload"`
	// ResultingStateVersion is the projection version after applying this
	// event. Equal to Sequence for a linear history.
	ResultingStateVersion uint64 `json:"resulting_state_version"`
	PrevHash              string `json:"prev_hash"`
	EntryHash             string `json:"entry_hash"`
}

// ValidationStartedPayload opens a project history. Budget values live in
// the event, not in configuration, so replay is self-contained.
type ValidationStartedPayload struct {
	FounderInput    string            `json:"founder_input"`
	BusinessModel   BusinessModelType `json:"business_model"`
	PolicyVersion   string            `json:"policy_version"`
	MaxPivots       int               `json:"max_pivots"`
	SpendLimitCents int64             `json:"spend_limit_cents"`
}

// PhaseEnteredPayload records entry into a phase.
type PhaseEnteredPayload struct {
	Phase Phase `json:"phase"`
	// From is empty on the first entry of a new project.
	From Phase `json:"from,omitempty"`
}

// EvidenceRecordedPayload merges crew evidence into the state. QAPassed,
// when set, records the crew output quality gate for the phase.
type EvidenceRecordedPayload struct {
	Evidence []Evidence `json:"evidence"`
	QAPassed *bool      `json:"qa_passed,omitempty"`
}

// RouterDecisionPayload records the gate router's verdict for audit and
// replay. Decision is one of the RouterDecision kinds.
type RouterDecisionPayload struct {
	Decision      string   `json:"decision"`
	Phase         Phase    `json:"phase"`
	Axis          RiskAxis `json:"axis,omitempty"`
	Signal        Signal   `json:"signal,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// CheckpointRaisedPayload suspends the flow at a HITL gate.
type CheckpointRaisedPayload struct {
	CheckpointID   string       `json:"checkpoint_id"`
	CheckpointType ApprovalType `json:"checkpoint_type"`
	Phase          Phase        `json:"phase"`
}

// CheckpointResolvedPayload applies an external decision at the active
// checkpoint. DecisionID is the idempotency key for resume.
type CheckpointResolvedPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	DecisionID   string `json:"decision_id"`
	Approved     bool   `json:"approved"`
	Rationale    string `json:"rationale,omitempty"`
	// Pivot is set when the human requested a pivot instead of a plain
	// approve/reject.
	Pivot *PivotEnvelope `json:"pivot,omitempty"`
}

// PivotAppliedPayload resets the flow to an earlier phase.
type PivotAppliedPayload struct {
	PivotType     PivotType      `json:"pivot_type"`
	FromPhase     Phase          `json:"pivot_from_phase"`
	ToPhase       Phase          `json:"pivot_to_phase"`
	Envelope      *PivotEnvelope `json:"envelope,omitempty"`
	Reason        string         `json:"reason"`
	RequestedBy   ActorType      `json:"requested_by"`
	AttemptNumber int            `json:"attempt_number"`
}

// PolicySelectedPayload pins a gate-policy version for the project.
type PolicySelectedPayload struct {
	PolicyVersion string `json:"policy_version"`
	SelectedBy    string `json:"selected_by"`
}

// SpendRecordedPayload tracks validation spend against the project budget.
type SpendRecordedPayload struct {
	AmountCents int64  `json:"amount_cents"`
	Crew        string `json:"crew"`
	Reason      string `json:"reason,omitempty"`
}

// ProjectKilledPayload terminates the project. Idempotent: applying it to an
// already-killed project is a no-op at the reducer.
type ProjectKilledPayload struct {
	Axis   RiskAxis  `json:"axis,omitempty"`
	Reason string    `json:"reason"`
	Actor  ActorType `json:"actor"`
}

// ProjectCompletedPayload closes a fully validated project.
type ProjectCompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}
