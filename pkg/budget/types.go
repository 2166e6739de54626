// Package budget enforces per-project validation spend with fail-closed
// behavior: when a check fails or cannot complete, the crew invocation is
// denied rather than risking an overrun.
package budget

import (
	"context"
	"time"
)

// Cost is a spend estimate for one crew invocation, in cents.
type Cost struct {
	AmountCents int64
	Crew        string
	Reason      string
}

// Budget is a project's spend limits and current usage.
type Budget struct {
	ProjectID   string    `json:"project_id"`
	DailyLimit  int64     `json:"daily_limit"` // cents; zero disables the cap
	TotalLimit  int64     `json:"total_limit"` // cents; zero disables the cap
	DailyUsed   int64     `json:"daily_used"`
	TotalUsed   int64     `json:"total_used"`
	LastUpdated time.Time `json:"last_updated"`
}

// DailyRemaining returns the remaining daily headroom.
func (b *Budget) DailyRemaining() int64 {
	remaining := b.DailyLimit - b.DailyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TotalRemaining returns the remaining lifetime headroom.
func (b *Budget) TotalRemaining() int64 {
	remaining := b.TotalLimit - b.TotalUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	Remaining *Budget  `json:"remaining,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
}

// Receipt is evidence of an enforcement outcome.
type Receipt struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Action    string    `json:"action"` // "allowed" or "denied"
	CostCents int64     `json:"cost_cents"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer is the budget enforcement contract the flow driver depends on.
type Enforcer interface {
	// Check verifies a cost can be incurred and reserves it. Fails closed.
	Check(ctx context.Context, projectID string, cost Cost) (*Decision, error)

	// GetBudget retrieves current budget status for a project.
	GetBudget(ctx context.Context, projectID string) (*Budget, error)

	// SetLimits updates a project's spend limits.
	SetLimits(ctx context.Context, projectID string, daily, total int64) error
}

// Storage persists budget rows.
type Storage interface {
	Get(ctx context.Context, projectID string) (*Budget, error)
	Set(ctx context.Context, budget *Budget) error
	Limits(ctx context.Context, projectID string) (daily, total int64, err error)
	SetLimits(ctx context.Context, projectID string, daily, total int64) error
}
