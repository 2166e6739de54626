package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// defaultMaxAttempts before a notification parks as FAILED for an operator.
const defaultMaxAttempts = 5

// OutboxNotifier satisfies the flow driver's notifier contract by parking
// notifications durably instead of delivering inline. Scheduling is
// idempotent: re-raising the same checkpoint schedules nothing new.
type OutboxNotifier struct {
	outbox store.OutboxStore
}

// NewOutboxNotifier creates a notifier over an outbox backend.
func NewOutboxNotifier(outbox store.OutboxStore) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

// CheckpointRaised parks a checkpoint notice keyed by checkpoint id.
func (n *OutboxNotifier) CheckpointRaised(ctx context.Context, req contracts.CheckpointRequest, resumeToken string) error {
	id := fmt.Sprintf("%s:%s", KindCheckpointRaised, req.CheckpointID)
	return n.outbox.Schedule(ctx, id, req.ProjectID, KindCheckpointRaised,
		CheckpointNotice{Request: req, ResumeToken: resumeToken})
}

// ProjectClosed parks a terminal notice keyed by project id. A project
// closes exactly once, so the key cannot collide.
func (n *OutboxNotifier) ProjectClosed(ctx context.Context, projectID string, phase contracts.Phase, reason string) error {
	id := fmt.Sprintf("%s:%s", KindProjectClosed, projectID)
	return n.outbox.Schedule(ctx, id, projectID, KindProjectClosed,
		ClosedNotice{ProjectID: projectID, Phase: phase, Reason: reason})
}

// Sender delivers one parked notification.
type Sender interface {
	Send(ctx context.Context, id, projectID, kind string, payload any) error
}

// Drainer pulls pending notifications from the outbox and delivers them,
// bumping the attempt counter on failure until the record parks as FAILED.
type Drainer struct {
	outbox      store.OutboxStore
	sender      Sender
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewDrainer creates a drain worker.
func NewDrainer(outbox store.OutboxStore, sender Sender, interval time.Duration, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Drainer{
		outbox:      outbox,
		sender:      sender,
		interval:    interval,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

// WithMaxAttempts overrides the failure threshold.
func (d *Drainer) WithMaxAttempts(n int) *Drainer {
	d.maxAttempts = n
	return d
}

// Run drains on an interval until the context is canceled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.logger.WarnContext(ctx, "outbox drain failed", slog.Any("error", err))
			}
		}
	}
}

// DrainOnce attempts delivery of everything pending. A rate-limited send
// stops the pass without bumping attempts; the bucket refills before the
// next tick.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	pending, err := d.outbox.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	for _, rec := range pending {
		err := d.sender.Send(ctx, rec.ID, rec.ProjectID, rec.Kind, rec.Payload)
		switch {
		case err == nil:
			if err := d.outbox.MarkDelivered(ctx, rec.ID); err != nil {
				return fmt.Errorf("drain %s: %w", rec.ID, err)
			}
		case errors.Is(err, ErrRateLimited):
			return nil
		default:
			d.logger.WarnContext(ctx, "notification delivery failed",
				slog.String("id", rec.ID),
				slog.String("kind", rec.Kind),
				slog.Int("attempts", rec.Attempts+1),
				slog.Any("error", err))
			if err := d.outbox.MarkFailed(ctx, rec.ID, d.maxAttempts); err != nil {
				return fmt.Errorf("drain %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}
