package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "gauntlet.db"))
	require.NoError(t, err)
	// Serialize access: modernc sqlite rejects concurrent writers at the
	// driver level, and the contract wants a version conflict instead.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// eventLogBackends enumerates every backend the contract tests run against.
func eventLogBackends(t *testing.T) map[string]store.EventLog {
	t.Helper()
	sqliteLog, err := store.NewSQLiteEventLog(openSQLite(t))
	require.NoError(t, err)
	return map[string]store.EventLog{
		"memory": store.NewMemoryEventLog(),
		"sqlite": sqliteLog,
	}
}

func testEvent(projectID string, et contracts.EventType, payload any) contracts.ValidationEvent {
	raw, _ := json.Marshal(payload)
	return contracts.ValidationEvent{
		ProjectID: projectID,
		EventType: et,
		Payload:   raw,
	}
}

func startPayload() contracts.ValidationStartedPayload {
	return contracts.ValidationStartedPayload{
		FounderInput:  "marketplace for reclaimed lumber",
		BusinessModel: contracts.ModelEcommerce,
		PolicyVersion: "1.0.0",
		MaxPivots:     2,
	}
}

func TestEventLog_Contract_AppendAssignsSequenceAndChain(t *testing.T) {
	for name, log := range eventLogBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first.Sequence)
			assert.Equal(t, uint64(1), first.ResultingStateVersion)
			assert.NotEmpty(t, first.EventID)
			assert.Equal(t, "genesis", first.PrevHash)
			assert.Contains(t, first.EntryHash, "sha256:")
			assert.False(t, first.Timestamp.IsZero())

			second, err := log.Append(ctx, testEvent("p1", contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
				Phase: contracts.PhaseDiscovery,
			}), 1)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), second.Sequence)
			assert.Equal(t, first.EntryHash, second.PrevHash)

			latest, err := log.LatestVersion(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), latest)
		})
	}
}

func TestEventLog_Contract_StaleVersionConflicts(t *testing.T) {
	for name, log := range eventLogBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)

			// Re-use of the consumed version is a conflict.
			_, err = log.Append(ctx, testEvent("p1", contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
				Phase: contracts.PhaseDiscovery,
			}), 0)
			assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

			// As is a version from the future.
			_, err = log.Append(ctx, testEvent("p1", contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
				Phase: contracts.PhaseDiscovery,
			}), 5)
			assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
		})
	}
}

func TestEventLog_Contract_ReplayOrderedAndVerified(t *testing.T) {
	for name, log := range eventLogBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)
			_, err = log.Append(ctx, testEvent("p1", contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
				Phase: contracts.PhaseDiscovery,
			}), 1)
			require.NoError(t, err)
			_, err = log.Append(ctx, testEvent("p1", contracts.EventSpendRecorded, contracts.SpendRecordedPayload{
				AmountCents: 900, Crew: "discovery",
			}), 2)
			require.NoError(t, err)

			events, err := log.Replay(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, ev := range events {
				assert.Equal(t, uint64(i+1), ev.Sequence)
			}

			require.NoError(t, log.VerifyChain(ctx, "p1"))

			_, err = log.Replay(ctx, "does-not-exist")
			assert.ErrorIs(t, err, store.ErrProjectNotFound)
		})
	}
}

func TestEventLog_Contract_CrossProjectIsolation(t *testing.T) {
	for name, log := range eventLogBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)
			_, err = log.Append(ctx, testEvent("p2", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)

			p1, err := log.Replay(ctx, "p1")
			require.NoError(t, err)
			assert.Len(t, p1, 1)

			latest, err := log.LatestVersion(ctx, "p2")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), latest)
		})
	}
}

// Exactly one of n concurrent writers holding the same expected version may
// win; everyone else must observe a conflict.
func TestEventLog_Contract_ConcurrentWritersSingleWinner(t *testing.T) {
	for name, log := range eventLogBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
			require.NoError(t, err)

			const writers = 8
			var wg sync.WaitGroup
			results := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := log.Append(ctx, testEvent("p1", contracts.EventSpendRecorded, contracts.SpendRecordedPayload{
						AmountCents: 100, Crew: "discovery",
					}), 1)
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			var wins, conflicts int
			for err := range results {
				if err == nil {
					wins++
				} else {
					require.ErrorIs(t, err, store.ErrConcurrencyConflict)
					conflicts++
				}
			}
			assert.Equal(t, 1, wins)
			assert.Equal(t, writers-1, conflicts)

			latest, err := log.LatestVersion(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), latest)
		})
	}
}

func TestSQLiteEventLog_ChainTamperDetected(t *testing.T) {
	db := openSQLite(t)
	log, err := store.NewSQLiteEventLog(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
	require.NoError(t, err)
	_, err = log.Append(ctx, testEvent("p1", contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
		Phase: contracts.PhaseDiscovery,
	}), 1)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE validation_events SET payload = '{"phase":"VIABILITY"}' WHERE sequence = 2`)
	require.NoError(t, err)

	assert.ErrorIs(t, log.VerifyChain(ctx, "p1"), store.ErrChainBroken)
}

func TestMemoryEventLog_ClockInjection(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	log := store.NewMemoryEventLog().WithClock(func() time.Time { return fixed })

	ev, err := log.Append(context.Background(), testEvent("p1", contracts.EventValidationStarted, startPayload()), 0)
	require.NoError(t, err)
	assert.Equal(t, fixed, ev.Timestamp)
}
