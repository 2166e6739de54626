package contracts

import "time"

// DecisionType categorizes an entry in the decision log.
type DecisionType string

const (
	DecisionApproval        DecisionType = "APPROVAL"
	DecisionPivot           DecisionType = "PIVOT"
	DecisionPolicySelection DecisionType = "POLICY_SELECTION"
	DecisionRouter          DecisionType = "ROUTER"
)

// ActorType identifies who made a decision.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
)

// DecisionRecord is one append-only entry in the compliance audit trail.
// The decision log is independent of the event stream, correlated by
// ProjectID, and must remain queryable even if the state projection is
// rebuilt from scratch. Records are never mutated or deleted.
type DecisionRecord struct {
	DecisionID   string       `json:"decision_id"`
	ProjectID    string       `json:"project_id"`
	DecisionType DecisionType `json:"decision_type"`
	ActorType    ActorType    `json:"actor_type"`
	// ActorID names the human operator or system component, when known.
	ActorID   string    `json:"actor_id,omitempty"`
	Rationale string    `json:"rationale"`
	Timestamp time.Time `json:"timestamp"`
	// LinkedEventID correlates the decision with the event it produced,
	// if it produced one.
	LinkedEventID string `json:"linked_event_id,omitempty"`
	// Detail carries decision-specific structure (pivot envelope, policy
	// version, router verdict) for audit readability.
	Detail map[string]any `json:"detail,omitempty"`
}
