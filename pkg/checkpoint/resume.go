// Package checkpoint implements the HITL resume protocol: a flow suspended
// at AWAITING_HUMAN is resumed by an external decision payload, validated
// against the active checkpoint's schema and token, applied through the
// event log, and only then re-entered by the driver.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// ErrStaleCheckpoint marks a payload whose checkpoint is not the project's
// active checkpoint. Stale payloads are rejected, not queued.
var ErrStaleCheckpoint = errors.New("checkpoint is not active")

// Manager applies resume payloads. The ordering invariant is central: the
// decision's state mutation commits to the event log before Resume returns,
// so the driver can only re-enter the phase after the new version is
// durable. A crash or failure anywhere leaves the project AWAITING_HUMAN
// and the same payload safe to redeliver (idempotent on decision_id).
type Manager struct {
	repo      *store.StateRepository
	decisions store.DecisionStore
	auditor   audit.DecisionLogger
	validator *PayloadValidator
	signer    *TokenSigner
	logger    *slog.Logger
}

// NewManager wires the resume path. The token signer is optional; without
// one, token verification is skipped.
func NewManager(repo *store.StateRepository, decisions store.DecisionStore, auditor audit.DecisionLogger) (*Manager, error) {
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &Manager{
		repo:      repo,
		decisions: decisions,
		auditor:   auditor,
		validator: validator,
		logger:    slog.Default(),
	}, nil
}

// WithTokenSigner enables resume-token verification.
func (m *Manager) WithTokenSigner(signer *TokenSigner) *Manager {
	m.signer = signer
	return m
}

// WithLogger overrides the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// Resume applies an external decision payload to a suspended project and
// returns the committed post-decision state. The caller re-executes the
// phase only after Resume returns.
func (m *Manager) Resume(ctx context.Context, projectID string, raw []byte) (*state.ValidationState, error) {
	var payload contracts.ResumePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	current, err := m.repo.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}

	if current.Checkpoint == nil || current.Terminal() {
		// Redelivery of an already-applied decision is a success, not an
		// error; anything else is stale.
		if payload.DecisionID != "" {
			applied, hasErr := m.decisions.Has(ctx, payload.DecisionID)
			if hasErr != nil {
				return nil, fmt.Errorf("resume %s: %w", projectID, hasErr)
			}
			if applied {
				m.logger.InfoContext(ctx, "resume redelivery ignored",
					slog.String("project_id", projectID),
					slog.String("decision_id", payload.DecisionID))
				return current, nil
			}
		}
		return nil, fmt.Errorf("resume %s checkpoint %s: %w",
			projectID, payload.CheckpointID, ErrStaleCheckpoint)
	}

	active := current.Checkpoint
	if payload.CheckpointID != active.CheckpointID {
		return nil, fmt.Errorf("resume %s: payload targets %s, active is %s: %w",
			projectID, payload.CheckpointID, active.CheckpointID, ErrStaleCheckpoint)
	}

	// Token first: an unauthorized payload earns no schema feedback.
	if m.signer != nil {
		if err := m.signer.Verify(payload.Token, projectID, active.CheckpointID); err != nil {
			return nil, fmt.Errorf("resume %s: %w", projectID, err)
		}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := m.validator.Validate(active.Type, doc); err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}

	resolved := contracts.CheckpointResolvedPayload{
		CheckpointID: active.CheckpointID,
		DecisionID:   payload.DecisionID,
		Approved:     payload.Decision == "approve",
		Rationale:    payload.Rationale,
	}
	if payload.Decision == "pivot" {
		env, err := contracts.ParsePivotEnvelope(payload.PivotEnvelope)
		if err != nil {
			// The checkpoint stays open; the human resubmits.
			return nil, fmt.Errorf("resume %s: %w", projectID, err)
		}
		resolved.Pivot = env
	}

	// Record the decision before mutating state: Record is idempotent on
	// decision_id, so a failed append can be retried without duplicating
	// the audit record.
	if err := m.recordDecision(ctx, projectID, payload, resolved.Pivot); err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}

	body, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("resume %s: encode resolution: %w", projectID, err)
	}
	next, committed, err := m.repo.Append(ctx, contracts.ValidationEvent{
		ProjectID: projectID,
		EventType: contracts.EventCheckpointResolved,
		Payload:   body,
	}, current.Version)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}

	m.logger.InfoContext(ctx, "checkpoint resolved",
		slog.String("project_id", projectID),
		slog.String("checkpoint_id", active.CheckpointID),
		slog.String("decision", payload.Decision),
		slog.Uint64("version", committed.ResultingStateVersion),
	)
	return next, nil
}

func (m *Manager) recordDecision(ctx context.Context, projectID string, payload contracts.ResumePayload, pivot *contracts.PivotEnvelope) error {
	var err error
	if pivot != nil {
		_, err = audit.LogPivotDecision(ctx, m.auditor, projectID, payload.DecisionID,
			contracts.ActorHuman, payload.ApproverID, pivot, "")
	} else {
		_, err = audit.LogHumanApproval(ctx, m.auditor, projectID, payload.DecisionID,
			payload.ApproverID, payload.Decision == "approve", payload.Rationale, "")
	}
	return err
}
