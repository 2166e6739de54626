package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

func seed(t *testing.T, log store.EventLog, projectID string) {
	t.Helper()
	appendEvent := func(seq uint64, et contracts.EventType, payload any) {
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		_, err = log.Append(context.Background(), contracts.ValidationEvent{
			ProjectID: projectID,
			EventType: et,
			Payload:   body,
		}, seq)
		require.NoError(t, err)
	}
	appendEvent(0, contracts.EventValidationStarted, contracts.ValidationStartedPayload{
		FounderInput:  "idea",
		BusinessModel: contracts.ModelSaaS,
		PolicyVersion: "1.0.0",
		MaxPivots:     2,
	})
	appendEvent(1, contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
		Phase: contracts.PhaseDiscovery, From: contracts.PhaseOnboarding,
	})
	appendEvent(2, contracts.EventEvidenceRecorded, contracts.EvidenceRecordedPayload{
		Evidence: []contracts.Evidence{{
			Axis: contracts.AxisDesirability, Kind: "segment_interviews",
			Score: 0.8, Confidence: 0.7, Phase: contracts.PhaseDiscovery,
		}},
	})
}

func TestVerifier_VerifiesCleanHistory(t *testing.T) {
	log := store.NewMemoryEventLog()
	seed(t, log, "proj-1")

	v := NewVerifier(log)
	session, err := v.Verify(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, SessionVerified, session.Status)
	require.Len(t, session.Steps, 3)
	assert.Equal(t, uint64(1), session.Steps[0].Sequence)
	assert.Contains(t, session.FinalHash, "sha256:")
	assert.Equal(t, session.FinalHash, session.Steps[2].StateHash)

	stored, ok := v.Session(session.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.Status, stored.Status)
}

func TestVerifier_MatchingProjection(t *testing.T) {
	log := store.NewMemoryEventLog()
	seed(t, log, "proj-1")
	repo := store.NewStateRepository(log)
	cached, err := repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)

	session, err := NewVerifier(log).VerifyAgainst(context.Background(), "proj-1", cached)
	require.NoError(t, err)
	assert.Equal(t, SessionVerified, session.Status)
}

func TestVerifier_DivergedProjection(t *testing.T) {
	log := store.NewMemoryEventLog()
	seed(t, log, "proj-1")
	repo := store.NewStateRepository(log)
	cached, err := repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)
	cached.Phase = contracts.PhaseViability // corrupted cache

	session, err := NewVerifier(log).VerifyAgainst(context.Background(), "proj-1", cached)
	require.NoError(t, err)
	assert.Equal(t, SessionDiverged, session.Status)
	assert.Equal(t, cached.Version, session.DivergencePoint)
	assert.Contains(t, session.DivergenceInfo, "does not match")
}

func TestVerifier_TamperedLogFails(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	log, err := store.NewSQLiteEventLog(db)
	require.NoError(t, err)
	seed(t, log, "proj-1")

	_, err = db.Exec(`UPDATE validation_events SET payload = '{"phase":"VIABILITY"}' WHERE sequence = 2`)
	require.NoError(t, err)

	session, verr := NewVerifier(log).Verify(context.Background(), "proj-1")
	require.ErrorIs(t, verr, store.ErrChainBroken)
	assert.Equal(t, SessionFailed, session.Status)
	assert.NotEmpty(t, session.DivergenceInfo)
}

func TestVerifier_UnknownProject(t *testing.T) {
	log := store.NewMemoryEventLog()
	session, err := NewVerifier(log).Verify(context.Background(), "unknown")
	require.ErrorIs(t, err, store.ErrProjectNotFound)
	assert.Equal(t, SessionFailed, session.Status)
}
