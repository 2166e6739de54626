// Package notify delivers flow events to operators: checkpoint raises that
// need a human decision and terminal outcomes. Delivery is decoupled from
// the transitions themselves via a durable outbox, so a crash between
// commit and delivery re-delivers instead of dropping the notification.
package notify

import (
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
)

// Notification kinds.
const (
	KindCheckpointRaised = "checkpoint.raised"
	KindProjectClosed    = "project.closed"
)

// CheckpointNotice is the payload delivered when a flow suspends at a
// checkpoint. The resume token authorizes exactly this checkpoint.
type CheckpointNotice struct {
	Request     contracts.CheckpointRequest `json:"request"`
	ResumeToken string                      `json:"resume_token,omitempty"`
}

// ClosedNotice is the payload delivered when a project reaches a terminal
// state.
type ClosedNotice struct {
	ProjectID string          `json:"project_id"`
	Phase     contracts.Phase `json:"phase"`
	Reason    string          `json:"reason"`
}
