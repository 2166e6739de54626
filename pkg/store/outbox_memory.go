package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryOutboxStore implements OutboxStore in memory for tests and
// single-process deployments.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
	clock   func() time.Time
	seq     int
}

// NewMemoryOutboxStore creates an empty outbox.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		records: make(map[string]*OutboxRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryOutboxStore) WithClock(clock func() time.Time) *MemoryOutboxStore {
	s.clock = clock
	return s
}

// Schedule implements OutboxStore.
func (s *MemoryOutboxStore) Schedule(ctx context.Context, id, projectID, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("schedule notification %s: marshal: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return nil
	}
	s.seq++
	s.records[id] = &OutboxRecord{
		ID:          id,
		ProjectID:   projectID,
		Kind:        kind,
		Payload:     body,
		Status:      OutboxPending,
		ScheduledAt: s.clock().UTC().Add(time.Duration(s.seq)), // stable order for same-instant schedules
	}
	return nil
}

// GetPending implements OutboxStore.
func (s *MemoryOutboxStore) GetPending(ctx context.Context) ([]*OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OutboxRecord
	for _, rec := range s.records {
		if rec.Status == OutboxPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

// MarkDelivered implements OutboxStore.
func (s *MemoryOutboxStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Status = OutboxDelivered
	}
	return nil
}

// MarkFailed implements OutboxStore.
func (s *MemoryOutboxStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.Attempts++
	if rec.Attempts >= maxAttempts {
		rec.Status = OutboxFailed
	}
	return nil
}
