package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
)

// StateRepository owns ValidationState. All mutation flows through Append:
// the candidate event is validated by the reducer, committed to the event
// log under compare-and-swap, and only then folded into the cached
// projection. Nothing else writes state.
//
// The cached projection is an optimization; Load falls back to a full
// replay whenever the cache is missing or stale against the log head.
type StateRepository struct {
	log      EventLog
	mu       sync.RWMutex
	cache    map[string]*state.ValidationState
	degraded atomic.Bool
}

// NewStateRepository creates a repository over the given event log backend.
func NewStateRepository(log EventLog) *StateRepository {
	return &StateRepository{
		log:   log,
		cache: make(map[string]*state.ValidationState),
	}
}

// Load returns the current state for a project, replaying the event log
// when the cached projection is stale. The returned state is a private
// clone; callers may not mutate repository-owned state.
func (r *StateRepository) Load(ctx context.Context, projectID string) (*state.ValidationState, error) {
	latest, err := r.log.LatestVersion(ctx, projectID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.cache[projectID]
	r.mu.RUnlock()
	if ok && cached.Version == latest {
		return cached.Clone(), nil
	}

	events, err := r.log.Replay(ctx, projectID)
	if err != nil {
		return nil, err
	}
	rebuilt, err := state.Rebuild(events)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", projectID, err)
	}

	r.mu.Lock()
	r.cache[projectID] = rebuilt
	r.mu.Unlock()
	return rebuilt.Clone(), nil
}

// Append commits one transition. The event is first checked against the
// current projection (catching terminal-state violations and malformed
// payloads before anything is written), then appended under CAS, then
// folded into the cache. At most one concurrent writer per project
// succeeds for a given expectedVersion; the loser gets
// ErrConcurrencyConflict and must reload and retry.
func (r *StateRepository) Append(ctx context.Context, ev contracts.ValidationEvent, expectedVersion uint64) (*state.ValidationState, contracts.ValidationEvent, error) {
	if r.degraded.Load() {
		return nil, contracts.ValidationEvent{}, fmt.Errorf("append %s: repository degraded to read-only: %w",
			ev.EventType, ErrStorageUnavailable)
	}

	current, err := r.currentForAppend(ctx, ev, expectedVersion)
	if err != nil {
		return nil, contracts.ValidationEvent{}, err
	}
	if current.Version != expectedVersion {
		return nil, contracts.ValidationEvent{}, fmt.Errorf("append %s to %s: projection at %d, expected %d: %w",
			ev.EventType, ev.ProjectID, current.Version, expectedVersion, ErrConcurrencyConflict)
	}

	// Pre-flight through the reducer with a tentative seal. Validity does
	// not depend on the final timestamp or hashes, so a rejection here
	// (terminal state, bad payload, checkpoint mismatch) costs no write.
	tentative := ev
	tentative.Sequence = expectedVersion + 1
	if tentative.Timestamp.IsZero() {
		tentative.Timestamp = time.Now().UTC()
	}
	if _, err := state.Apply(current, tentative); err != nil {
		return nil, contracts.ValidationEvent{}, fmt.Errorf("append rejected: %w", err)
	}

	sealed, err := r.log.Append(ctx, ev, expectedVersion)
	if err != nil {
		return nil, contracts.ValidationEvent{}, err
	}

	next, err := state.Apply(current, sealed)
	if err != nil {
		// The event is durably committed; the projection is now stale and
		// will be rebuilt on next Load. This indicates a reducer bug, not
		// a storage problem.
		r.mu.Lock()
		delete(r.cache, ev.ProjectID)
		r.mu.Unlock()
		return nil, sealed, fmt.Errorf("append %s: committed but projection update failed: %w", ev.EventType, err)
	}

	r.mu.Lock()
	r.cache[ev.ProjectID] = next
	r.mu.Unlock()
	return next.Clone(), sealed, nil
}

// currentForAppend loads the projection, treating a brand-new project
// (expectedVersion zero, no history) as the intake state.
func (r *StateRepository) currentForAppend(ctx context.Context, ev contracts.ValidationEvent, expectedVersion uint64) (*state.ValidationState, error) {
	current, err := r.Load(ctx, ev.ProjectID)
	if err == nil {
		return current, nil
	}
	if expectedVersion == 0 && isNotFound(err) {
		return state.New(ev.ProjectID), nil
	}
	return nil, err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound)
}

// Health probes the backend. A failing probe degrades the repository to
// read-only (new Appends rejected with ErrStorageUnavailable) until a
// later probe succeeds. The process keeps serving reads instead of
// crashing.
func (r *StateRepository) Health(ctx context.Context) error {
	if err := r.log.Ping(ctx); err != nil {
		r.degraded.Store(true)
		return fmt.Errorf("repository health: %w", err)
	}
	r.degraded.Store(false)
	return nil
}

// Degraded reports whether the repository is rejecting writes.
func (r *StateRepository) Degraded() bool {
	return r.degraded.Load()
}

// VerifyChain verifies a project's event hash chain.
func (r *StateRepository) VerifyChain(ctx context.Context, projectID string) error {
	return r.log.VerifyChain(ctx, projectID)
}

// Replay exposes the raw ordered history for audit and replay tooling.
func (r *StateRepository) Replay(ctx context.Context, projectID string) ([]contracts.ValidationEvent, error) {
	return r.log.Replay(ctx, projectID)
}
