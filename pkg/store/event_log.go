package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"
)

// EventLog is the append-only, totally ordered event store for validation
// histories. Ordering is total per project: the log assigns a strictly
// increasing sequence at append time, never the client.
type EventLog interface {
	// Append commits the event iff the project's latest version equals
	// expectedVersion, assigning sequence, hashes, and an event id. A stale
	// expectedVersion fails with ErrConcurrencyConflict.
	Append(ctx context.Context, ev contracts.ValidationEvent, expectedVersion uint64) (contracts.ValidationEvent, error)

	// Replay returns the project's full ordered history.
	Replay(ctx context.Context, projectID string) ([]contracts.ValidationEvent, error)

	// LatestVersion returns the sequence of the last committed event, zero
	// for an unknown project.
	LatestVersion(ctx context.Context, projectID string) (uint64, error)

	// VerifyChain checks sequence continuity and hash chaining for one
	// project.
	VerifyChain(ctx context.Context, projectID string) error

	// Ping is a lightweight read-only connectivity probe.
	Ping(ctx context.Context) error
}

// MemoryEventLog is the in-memory backend for tests and development. No
// persistence across process restarts.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events map[string][]contracts.ValidationEvent
	clock  func() time.Time
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[string][]contracts.ValidationEvent),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryEventLog) WithClock(clock func() time.Time) *MemoryEventLog {
	l.clock = clock
	return l
}

// Append implements EventLog.
func (l *MemoryEventLog) Append(ctx context.Context, ev contracts.ValidationEvent, expectedVersion uint64) (contracts.ValidationEvent, error) {
	if ev.ProjectID == "" {
		return contracts.ValidationEvent{}, fmt.Errorf("append: missing project id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.events[ev.ProjectID]
	latest := uint64(len(history))
	if latest != expectedVersion {
		return contracts.ValidationEvent{}, fmt.Errorf("append %s to %s: latest %d, expected %d: %w",
			ev.EventType, ev.ProjectID, latest, expectedVersion, ErrConcurrencyConflict)
	}

	prevHash := genesisHash
	if len(history) > 0 {
		prevHash = history[len(history)-1].EntryHash
	}
	sealed, err := sealEvent(ev, latest, prevHash, l.clock())
	if err != nil {
		return contracts.ValidationEvent{}, err
	}

	l.events[ev.ProjectID] = append(history, sealed)
	return sealed, nil
}

// sealEvent assigns identity, sequence, timestamp, and chain hashes.
func sealEvent(ev contracts.ValidationEvent, prevSeq uint64, prevHash string, now time.Time) (contracts.ValidationEvent, error) {
	ev.Sequence = prevSeq + 1
	ev.ResultingStateVersion = ev.Sequence
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	ev.PrevHash = prevHash
	hash, err := entryHash(ev)
	if err != nil {
		return contracts.ValidationEvent{}, fmt.Errorf("append %s: %w", ev.EventType, err)
	}
	ev.EntryHash = hash
	return ev, nil
}

// Replay implements EventLog.
func (l *MemoryEventLog) Replay(ctx context.Context, projectID string) ([]contracts.ValidationEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history, ok := l.events[projectID]
	if !ok {
		return nil, fmt.Errorf("replay %s: %w", projectID, ErrProjectNotFound)
	}
	out := make([]contracts.ValidationEvent, len(history))
	copy(out, history)
	return out, nil
}

// LatestVersion implements EventLog.
func (l *MemoryEventLog) LatestVersion(ctx context.Context, projectID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events[projectID])), nil
}

// VerifyChain implements EventLog.
func (l *MemoryEventLog) VerifyChain(ctx context.Context, projectID string) error {
	events, err := l.Replay(ctx, projectID)
	if err != nil {
		return err
	}
	return verifyEvents(events)
}

// Ping implements EventLog.
func (l *MemoryEventLog) Ping(ctx context.Context) error {
	return ctx.Err()
}
