package contracts

import "time"

// ApprovalType names the kind of human judgment a checkpoint requests. Each
// type has its own resume payload schema.
type ApprovalType string

const (
	// ApprovalCreative gates creative/positioning artifacts before the
	// desirability experiments run.
	ApprovalCreative ApprovalType = "CREATIVE_APPROVAL"
	// ApprovalViability gates the final viability verdict.
	ApprovalViability ApprovalType = "VIABILITY_DECISION"
)

// CheckpointStatus tracks a raised checkpoint's lifecycle.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "PENDING"
	CheckpointResolved CheckpointStatus = "RESOLVED"
	// CheckpointSuperseded marks a checkpoint voided by a terminal event
	// (external kill) before any human answered it.
	CheckpointSuperseded CheckpointStatus = "SUPERSEDED"
)

// CheckpointRequest is the durable record of a HITL suspension surfaced to
// operators. It is persisted as part of raising the checkpoint, never left
// in-process only.
type CheckpointRequest struct {
	CheckpointID string           `json:"checkpoint_id"`
	ProjectID    string           `json:"project_id"`
	Type         ApprovalType     `json:"checkpoint_type"`
	Phase        Phase            `json:"phase"`
	Status       CheckpointStatus `json:"status"`
	// Options enumerates the decisions the operator may return.
	Options []string `json:"options"`
	// Evidence is the per-axis digest shown to the approver.
	Evidence  []EvidenceSummary `json:"evidence"`
	CreatedAt time.Time         `json:"created_at"`
}

// ResumePayload is the external decision payload delivered to resume a
// suspended flow. It must match the schema of the active checkpoint's type;
// mismatched or stale payloads are rejected, not queued.
type ResumePayload struct {
	CheckpointID string       `json:"checkpoint_id"`
	ApprovalType ApprovalType `json:"approval_type"`
	// Decision is "approve", "reject", or "pivot".
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	// DecisionID is the caller-supplied idempotency key; redelivering the
	// same payload after a failed resume is safe.
	DecisionID string `json:"decision_id"`
	ApproverID string `json:"approver_id,omitempty"`
	// PivotEnvelope is required when Decision is "pivot", in the wire form
	// accepted by ParsePivotEnvelope.
	PivotEnvelope string `json:"pivot_envelope,omitempty"`
	// Token is the signed resume token issued with the checkpoint
	// notification, binding this payload to its checkpoint.
	Token string `json:"token,omitempty"`
}
