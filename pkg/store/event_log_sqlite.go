package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteEventLog is the durable event log backend. Sequence assignment and
// the expected-version check happen inside one transaction; a racing writer
// either observes the conflict directly or trips the primary key on
// (project_id, sequence).
type SQLiteEventLog struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteEventLog creates the backend and runs its migration.
func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	l := &SQLiteEventLog{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *SQLiteEventLog) WithClock(clock func() time.Time) *SQLiteEventLog {
	l.clock = clock
	return l
}

func (l *SQLiteEventLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS validation_events (
		project_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		event_id   TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		timestamp  TEXT NOT NULL,
		payload    JSON NOT NULL,
		prev_hash  TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		PRIMARY KEY (project_id, sequence)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append implements EventLog.
func (l *SQLiteEventLog) Append(ctx context.Context, ev contracts.ValidationEvent, expectedVersion uint64) (contracts.ValidationEvent, error) {
	if ev.ProjectID == "" {
		return contracts.ValidationEvent{}, fmt.Errorf("append: missing project id")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.ValidationEvent{}, fmt.Errorf("append %s: begin: %w: %v", ev.EventType, ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest uint64
	var prevHash string
	row := tx.QueryRowContext(ctx, `
		SELECT sequence, entry_hash FROM validation_events
		WHERE project_id = ? ORDER BY sequence DESC LIMIT 1`, ev.ProjectID)
	switch err := row.Scan(&latest, &prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		latest, prevHash = 0, genesisHash
	case err != nil:
		return contracts.ValidationEvent{}, fmt.Errorf("append %s: read head: %w: %v", ev.EventType, ErrStorageUnavailable, err)
	}

	if latest != expectedVersion {
		return contracts.ValidationEvent{}, fmt.Errorf("append %s to %s: latest %d, expected %d: %w",
			ev.EventType, ev.ProjectID, latest, expectedVersion, ErrConcurrencyConflict)
	}

	sealed, err := sealEvent(ev, latest, prevHash, l.clock())
	if err != nil {
		return contracts.ValidationEvent{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_events (project_id, sequence, event_id, event_type, timestamp, payload, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sealed.ProjectID, sealed.Sequence, sealed.EventID, string(sealed.EventType),
		sealed.Timestamp.UTC().Format(time.RFC3339Nano), string(sealed.Payload),
		sealed.PrevHash, sealed.EntryHash,
	)
	if err != nil {
		// A racing writer that committed first trips the primary key.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return contracts.ValidationEvent{}, fmt.Errorf("append %s to %s: %w",
				ev.EventType, ev.ProjectID, ErrConcurrencyConflict)
		}
		return contracts.ValidationEvent{}, fmt.Errorf("append %s: insert: %w: %v", ev.EventType, ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.ValidationEvent{}, fmt.Errorf("append %s: commit: %w: %v", ev.EventType, ErrStorageUnavailable, err)
	}
	return sealed, nil
}

// Replay implements EventLog.
func (l *SQLiteEventLog) Replay(ctx context.Context, projectID string) ([]contracts.ValidationEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT project_id, sequence, event_id, event_type, timestamp, payload, prev_hash, entry_hash
		FROM validation_events WHERE project_id = ? ORDER BY sequence ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.ValidationEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", projectID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("replay %s: %w", projectID, ErrProjectNotFound)
	}
	return events, nil
}

// LatestVersion implements EventLog.
func (l *SQLiteEventLog) LatestVersion(ctx context.Context, projectID string) (uint64, error) {
	var latest uint64
	row := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM validation_events WHERE project_id = ?`, projectID)
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("latest version %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	return latest, nil
}

// VerifyChain implements EventLog.
func (l *SQLiteEventLog) VerifyChain(ctx context.Context, projectID string) error {
	events, err := l.Replay(ctx, projectID)
	if err != nil {
		return err
	}
	return verifyEvents(events)
}

// Ping implements EventLog.
func (l *SQLiteEventLog) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func scanEventRow(rows *sql.Rows) (contracts.ValidationEvent, error) {
	var (
		ev        contracts.ValidationEvent
		eventType string
		timestamp string
		payload   string
	)
	if err := rows.Scan(&ev.ProjectID, &ev.Sequence, &ev.EventID, &eventType,
		&timestamp, &payload, &ev.PrevHash, &ev.EntryHash); err != nil {
		return contracts.ValidationEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return contracts.ValidationEvent{}, fmt.Errorf("parse event timestamp %q: %w", timestamp, err)
	}
	ev.EventType = contracts.EventType(eventType)
	ev.Timestamp = ts
	ev.Payload = json.RawMessage(payload)
	ev.ResultingStateVersion = ev.Sequence
	return ev, nil
}
