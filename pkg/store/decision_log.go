package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"
)

// DecisionStore is the append-only audit trail of human and automated
// decisions. It is independent of the event stream — even if the state
// projection is corrupted or rebuilt, decision history stays queryable.
// Records are never overwritten: Record is idempotent on DecisionID, and the
// only failure mode is storage unavailability.
type DecisionStore interface {
	// Record appends a decision and returns its id. Re-recording an
	// existing DecisionID returns the original id without a duplicate.
	Record(ctx context.Context, rec contracts.DecisionRecord) (string, error)

	// History returns the project's decisions in record order.
	History(ctx context.Context, projectID string) ([]contracts.DecisionRecord, error)

	// Has reports whether a decision id was already recorded. Resume uses
	// this for idempotent redelivery.
	Has(ctx context.Context, decisionID string) (bool, error)

	// Ping is a lightweight connectivity probe.
	Ping(ctx context.Context) error
}

// MemoryDecisionStore is the in-memory backend for tests and development.
type MemoryDecisionStore struct {
	mu    sync.RWMutex
	byID  map[string]contracts.DecisionRecord
	order map[string][]string // projectID -> decision ids in record order
	clock func() time.Time
}

// NewMemoryDecisionStore creates an empty in-memory decision store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{
		byID:  make(map[string]contracts.DecisionRecord),
		order: make(map[string][]string),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryDecisionStore) WithClock(clock func() time.Time) *MemoryDecisionStore {
	s.clock = clock
	return s
}

// Record implements DecisionStore.
func (s *MemoryDecisionStore) Record(ctx context.Context, rec contracts.DecisionRecord) (string, error) {
	if rec.ProjectID == "" {
		return "", fmt.Errorf("record decision: missing project id")
	}
	if rec.DecisionID == "" {
		rec.DecisionID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.DecisionID]; exists {
		return rec.DecisionID, nil
	}
	s.byID[rec.DecisionID] = rec
	s.order[rec.ProjectID] = append(s.order[rec.ProjectID], rec.DecisionID)
	return rec.DecisionID, nil
}

// History implements DecisionStore.
func (s *MemoryDecisionStore) History(ctx context.Context, projectID string) ([]contracts.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[projectID]
	out := make([]contracts.DecisionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// Has implements DecisionStore.
func (s *MemoryDecisionStore) Has(ctx context.Context, decisionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[decisionID]
	return ok, nil
}

// Ping implements DecisionStore.
func (s *MemoryDecisionStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
