package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SpendEnforcer implements fail-closed enforcement over a Storage backend.
// Check reserves the cost on success; a later adjustment for actual spend is
// recorded through the event log, not here.
type SpendEnforcer struct {
	storage Storage
	logger  *slog.Logger
	clock   func() time.Time
}

// NewSpendEnforcer creates an enforcer over the given storage.
func NewSpendEnforcer(s Storage, logger *slog.Logger) *SpendEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendEnforcer{storage: s, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *SpendEnforcer) WithClock(clock func() time.Time) *SpendEnforcer {
	e.clock = clock
	return e
}

// GetBudget implements Enforcer.
func (e *SpendEnforcer) GetBudget(ctx context.Context, projectID string) (*Budget, error) {
	return e.storage.Get(ctx, projectID)
}

// SetLimits implements Enforcer.
func (e *SpendEnforcer) SetLimits(ctx context.Context, projectID string, daily, total int64) error {
	return e.storage.SetLimits(ctx, projectID, daily, total)
}

// Check implements Enforcer. Any storage error results in denial.
func (e *SpendEnforcer) Check(ctx context.Context, projectID string, cost Cost) (*Decision, error) {
	b, err := e.storage.Get(ctx, projectID)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget check failed",
			slog.String("project_id", projectID), slog.Any("error", err))
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("check failed: %v", err),
			Receipt: e.receipt(projectID, "denied", cost.AmountCents, "internal_error"),
		}, err
	}

	now := e.clock().UTC()
	if b == nil {
		daily, total, err := e.storage.Limits(ctx, projectID)
		if err != nil {
			return &Decision{
				Allowed: false,
				Reason:  "failed to fetch limits",
				Receipt: e.receipt(projectID, "denied", cost.AmountCents, "limit_fetch_error"),
			}, err
		}
		b = &Budget{ProjectID: projectID, DailyLimit: daily, TotalLimit: total, LastUpdated: now}
	}

	// Daily counter resets on UTC day boundary. The lifetime counter never
	// resets.
	if now.YearDay() != b.LastUpdated.UTC().YearDay() || now.Year() != b.LastUpdated.UTC().Year() {
		b.DailyUsed = 0
	}

	newDaily := b.DailyUsed + cost.AmountCents
	newTotal := b.TotalUsed + cost.AmountCents

	if b.DailyLimit > 0 && newDaily > b.DailyLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily limit exceeded: %d > %d", newDaily, b.DailyLimit),
			Remaining: b,
			Receipt:   e.receipt(projectID, "denied", cost.AmountCents, "daily_limit_exceeded"),
		}, nil
	}
	if b.TotalLimit > 0 && newTotal > b.TotalLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("total limit exceeded: %d > %d", newTotal, b.TotalLimit),
			Remaining: b,
			Receipt:   e.receipt(projectID, "denied", cost.AmountCents, "total_limit_exceeded"),
		}, nil
	}

	b.DailyUsed = newDaily
	b.TotalUsed = newTotal
	b.LastUpdated = now
	if err := e.storage.Set(ctx, b); err != nil {
		return &Decision{
			Allowed: false,
			Reason:  "failed to persist usage",
			Receipt: e.receipt(projectID, "denied", cost.AmountCents, "persistence_error"),
		}, err
	}

	return &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: b,
		Receipt:   e.receipt(projectID, "allowed", cost.AmountCents, "ok"),
	}, nil
}

func (e *SpendEnforcer) receipt(projectID, action string, cost int64, reason string) *Receipt {
	return &Receipt{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Action:    action,
		CostCents: cost,
		Reason:    reason,
		Timestamp: e.clock().UTC(),
	}
}
