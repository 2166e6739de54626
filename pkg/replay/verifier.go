// Package replay verifies that a project's history is trustworthy:
// reconstructing the projection from the event log alone, step by step,
// and proving the result matches what the running system believes.
//
// Determinism is the contract: replaying the same events always produces
// the identical state. Divergence at any point terminates the session with
// a diagnostic naming the first bad step.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// SessionStatus is the lifecycle state of a verification session.
type SessionStatus string

const (
	SessionVerified SessionStatus = "VERIFIED"
	SessionDiverged SessionStatus = "DIVERGED"
	SessionFailed   SessionStatus = "FAILED"
)

// Step records one replayed event and the state hash it produced.
type Step struct {
	Sequence  uint64              `json:"sequence"`
	EventID   string              `json:"event_id"`
	EventType contracts.EventType `json:"event_type"`
	StateHash string              `json:"state_hash"`
}

// Session is the result of one verification run.
type Session struct {
	SessionID string        `json:"session_id"`
	ProjectID string        `json:"project_id"`
	Status    SessionStatus `json:"status"`
	// Steps holds one entry per replayed event.
	Steps []Step `json:"steps"`
	// FinalHash is the canonical hash of the rebuilt projection.
	FinalHash string `json:"final_hash"`
	// DivergencePoint is the sequence of the first bad step, zero when the
	// session verified.
	DivergencePoint uint64    `json:"divergence_point,omitempty"`
	DivergenceInfo  string    `json:"divergence_info,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Verifier replays project histories against the event log.
type Verifier struct {
	mu       sync.Mutex
	log      store.EventLog
	sessions map[string]*Session
	clock    func() time.Time
}

// NewVerifier creates a verifier over an event log backend.
func NewVerifier(log store.EventLog) *Verifier {
	return &Verifier{
		log:      log,
		sessions: make(map[string]*Session),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Session returns a completed session by id.
func (v *Verifier) Session(id string) (*Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[id]
	return s, ok
}

// Verify replays the full history: hash chain first, then event-by-event
// state reconstruction, then a second pass proving the reconstruction is
// deterministic. The session never errors on divergence — divergence is a
// finding, recorded with its diagnostic.
func (v *Verifier) Verify(ctx context.Context, projectID string) (*Session, error) {
	session := &Session{
		SessionID: uuid.New().String(),
		ProjectID: projectID,
		StartedAt: v.clock().UTC(),
	}
	defer func() {
		session.CompletedAt = v.clock().UTC()
		v.mu.Lock()
		v.sessions[session.SessionID] = session
		v.mu.Unlock()
	}()

	if err := v.log.VerifyChain(ctx, projectID); err != nil {
		session.Status = SessionFailed
		session.DivergenceInfo = err.Error()
		return session, fmt.Errorf("verify %s: %w", projectID, err)
	}
	events, err := v.log.Replay(ctx, projectID)
	if err != nil {
		session.Status = SessionFailed
		session.DivergenceInfo = err.Error()
		return session, fmt.Errorf("verify %s: %w", projectID, err)
	}

	first, err := v.replayPass(events, session)
	if err != nil {
		return session, err
	}
	if first == nil {
		// Divergence recorded in the session; a broken history is a
		// finding, not an error.
		return session, nil
	}

	// Second pass with no recording: same events, same hash, or the
	// reducer is nondeterministic.
	scratch := &Session{}
	second, err := v.replayPass(events, scratch)
	if err != nil {
		return session, err
	}
	firstHash, err := stateHash(first)
	if err != nil {
		session.Status = SessionFailed
		return session, fmt.Errorf("verify %s: %w", projectID, err)
	}
	secondHash, err := stateHash(second)
	if err != nil {
		session.Status = SessionFailed
		return session, fmt.Errorf("verify %s: %w", projectID, err)
	}
	if firstHash != secondHash {
		session.Status = SessionDiverged
		session.DivergenceInfo = "replay is not deterministic: two passes over the same events produced different states"
		return session, nil
	}

	session.FinalHash = firstHash
	session.Status = SessionVerified
	return session, nil
}

// VerifyAgainst replays the history and compares the reconstruction with a
// projection the running system holds. A mismatch marks the session
// DIVERGED; the event log is the source of truth, so a diverged cached
// projection must be discarded and rebuilt.
func (v *Verifier) VerifyAgainst(ctx context.Context, projectID string, cached *state.ValidationState) (*Session, error) {
	session, err := v.Verify(ctx, projectID)
	if err != nil || session.Status != SessionVerified {
		return session, err
	}

	cachedHash, err := stateHash(cached)
	if err != nil {
		session.Status = SessionFailed
		return session, fmt.Errorf("verify %s: hash cached projection: %w", projectID, err)
	}
	if cachedHash != session.FinalHash {
		session.Status = SessionDiverged
		session.DivergencePoint = cached.Version
		session.DivergenceInfo = fmt.Sprintf(
			"cached projection at version %d does not match the replayed history", cached.Version)
	}
	return session, nil
}

// replayPass folds every event through the reducer, recording per-step
// state hashes into the session.
func (v *Verifier) replayPass(events []contracts.ValidationEvent, session *Session) (*state.ValidationState, error) {
	if len(events) == 0 {
		session.Status = SessionFailed
		session.DivergenceInfo = "empty history"
		return nil, fmt.Errorf("verify %s: empty history", session.ProjectID)
	}
	s := state.New(events[0].ProjectID)
	for _, ev := range events {
		next, err := state.Apply(s, ev)
		if err != nil {
			session.Status = SessionDiverged
			session.DivergencePoint = ev.Sequence
			session.DivergenceInfo = err.Error()
			return nil, nil
		}
		hash, err := stateHash(next)
		if err != nil {
			session.Status = SessionFailed
			return nil, fmt.Errorf("verify %s: hash step %d: %w", session.ProjectID, ev.Sequence, err)
		}
		session.Steps = append(session.Steps, Step{
			Sequence:  ev.Sequence,
			EventID:   ev.EventID,
			EventType: ev.EventType,
			StateHash: hash,
		})
		s = next
	}
	return s, nil
}

// stateHash computes the canonical hash of a projection: sha256 over the
// JCS-canonical JSON encoding, so map ordering cannot perturb it.
func stateHash(s *state.ValidationState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
