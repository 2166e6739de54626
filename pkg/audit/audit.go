// Package audit records human and automated decisions into the decision log.
// The audit trail is independent of the event stream: state projections can
// be rebuilt or discarded, decision history cannot.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// DecisionLogger is the single append contract every recorder funnels into.
type DecisionLogger interface {
	Log(ctx context.Context, rec contracts.DecisionRecord) (string, error)
}

// StoreLogger appends decisions to a DecisionStore and mirrors them to
// structured logs so operators can follow the trail without querying.
type StoreLogger struct {
	store  store.DecisionStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewStoreLogger wraps a decision store. A nil logger falls back to the
// default slog handler.
func NewStoreLogger(ds store.DecisionStore, logger *slog.Logger) *StoreLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLogger{store: ds, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *StoreLogger) WithClock(clock func() time.Time) *StoreLogger {
	l.clock = clock
	return l
}

// Log implements DecisionLogger.
func (l *StoreLogger) Log(ctx context.Context, rec contracts.DecisionRecord) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}
	id, err := l.store.Record(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("audit: %w", err)
	}
	l.logger.InfoContext(ctx, "decision recorded",
		slog.String("decision_id", id),
		slog.String("project_id", rec.ProjectID),
		slog.String("decision_type", string(rec.DecisionType)),
		slog.String("actor_type", string(rec.ActorType)),
		slog.String("actor_id", rec.ActorID),
	)
	return id, nil
}

// LogHumanApproval records an approve/reject made at a checkpoint.
func LogHumanApproval(ctx context.Context, dl DecisionLogger, projectID, decisionID, approverID string, approved bool, rationale, linkedEventID string) (string, error) {
	return dl.Log(ctx, contracts.DecisionRecord{
		DecisionID:    decisionID,
		ProjectID:     projectID,
		DecisionType:  contracts.DecisionApproval,
		ActorType:     contracts.ActorHuman,
		ActorID:       approverID,
		Rationale:     rationale,
		LinkedEventID: linkedEventID,
		Detail:        map[string]any{"approved": approved},
	})
}

// LogPivotDecision records a pivot, human or automatic.
func LogPivotDecision(ctx context.Context, dl DecisionLogger, projectID, decisionID string, actor contracts.ActorType, actorID string, env *contracts.PivotEnvelope, linkedEventID string) (string, error) {
	detail := map[string]any{}
	if env != nil {
		detail["pivot_type"] = string(env.Type)
		if env.TargetSegment != nil {
			detail["target_segment"] = env.TargetSegment.SegmentName
		}
		if env.TargetPrice != nil {
			detail["proposed_price_cents"] = env.TargetPrice.ProposedPriceCents
		}
		if env.TargetCost != nil {
			detail["lever"] = env.TargetCost.Lever
		}
	}
	rationale := ""
	if env != nil {
		rationale = env.Reason
	}
	return dl.Log(ctx, contracts.DecisionRecord{
		DecisionID:    decisionID,
		ProjectID:     projectID,
		DecisionType:  contracts.DecisionPivot,
		ActorType:     actor,
		ActorID:       actorID,
		Rationale:     rationale,
		LinkedEventID: linkedEventID,
		Detail:        detail,
	})
}

// LogPolicySelection records pinning a gate-policy version to a project.
func LogPolicySelection(ctx context.Context, dl DecisionLogger, projectID, policyVersion, selectedBy, linkedEventID string) (string, error) {
	return dl.Log(ctx, contracts.DecisionRecord{
		ProjectID:     projectID,
		DecisionType:  contracts.DecisionPolicySelection,
		ActorType:     contracts.ActorSystem,
		ActorID:       selectedBy,
		Rationale:     fmt.Sprintf("policy %s selected", policyVersion),
		LinkedEventID: linkedEventID,
		Detail:        map[string]any{"policy_version": policyVersion},
	})
}

// LogRouterDecision records an automatic gate verdict.
func LogRouterDecision(ctx context.Context, dl DecisionLogger, projectID string, d router.Decision, linkedEventID string) (string, error) {
	return dl.Log(ctx, contracts.DecisionRecord{
		ProjectID:     projectID,
		DecisionType:  contracts.DecisionRouter,
		ActorType:     contracts.ActorSystem,
		ActorID:       "gate-router",
		Rationale:     d.Reason,
		LinkedEventID: linkedEventID,
		Detail: map[string]any{
			"kind":   string(d.Kind),
			"axis":   string(d.Axis),
			"signal": string(d.Signal),
		},
	})
}
