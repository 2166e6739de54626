package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteDecisionStore is the durable single-node decision log backend.
type SQLiteDecisionStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteDecisionStore creates the backend and runs its migration.
func NewSQLiteDecisionStore(db *sql.DB) (*SQLiteDecisionStore, error) {
	s := &SQLiteDecisionStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteDecisionStore) WithClock(clock func() time.Time) *SQLiteDecisionStore {
	s.clock = clock
	return s
}

func (s *SQLiteDecisionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_records (
		record_seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id     TEXT NOT NULL UNIQUE,
		project_id      TEXT NOT NULL,
		decision_type   TEXT NOT NULL,
		actor_type      TEXT NOT NULL,
		actor_id        TEXT,
		rationale       TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		linked_event_id TEXT,
		detail          JSON
	);
	CREATE INDEX IF NOT EXISTS idx_decision_project ON decision_records (project_id, record_seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Record implements DecisionStore.
func (s *SQLiteDecisionStore) Record(ctx context.Context, rec contracts.DecisionRecord) (string, error) {
	if rec.ProjectID == "" {
		return "", fmt.Errorf("record decision: missing project id")
	}
	if rec.DecisionID == "" {
		rec.DecisionID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock().UTC()
	}

	detailJSON, err := json.Marshal(rec.Detail)
	if err != nil {
		return "", fmt.Errorf("record decision %s: marshal detail: %w", rec.DecisionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_records
			(decision_id, project_id, decision_type, actor_type, actor_id, rationale, timestamp, linked_event_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (decision_id) DO NOTHING`,
		rec.DecisionID, rec.ProjectID, string(rec.DecisionType), string(rec.ActorType),
		rec.ActorID, rec.Rationale, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.LinkedEventID, string(detailJSON),
	)
	if err != nil {
		return "", fmt.Errorf("record decision %s: %w: %v", rec.DecisionID, ErrStorageUnavailable, err)
	}
	return rec.DecisionID, nil
}

// History implements DecisionStore.
func (s *SQLiteDecisionStore) History(ctx context.Context, projectID string) ([]contracts.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, project_id, decision_type, actor_type, actor_id, rationale, timestamp, linked_event_id, detail
		FROM decision_records WHERE project_id = ? ORDER BY record_seq ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("decision history %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.DecisionRecord, 0)
	for rows.Next() {
		rec, err := scanDecisionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("decision history %s: %w", projectID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decision history %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	return out, nil
}

// Has implements DecisionStore.
func (s *SQLiteDecisionStore) Has(ctx context.Context, decisionID string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM decision_records WHERE decision_id = ?`, decisionID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("decision lookup %s: %w: %v", decisionID, ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

// Ping implements DecisionStore.
func (s *SQLiteDecisionStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func scanDecisionRow(rows *sql.Rows) (contracts.DecisionRecord, error) {
	var (
		rec           contracts.DecisionRecord
		decisionType  string
		actorType     string
		actorID       sql.NullString
		timestamp     string
		linkedEventID sql.NullString
		detailJSON    sql.NullString
	)
	if err := rows.Scan(&rec.DecisionID, &rec.ProjectID, &decisionType, &actorType,
		&actorID, &rec.Rationale, &timestamp, &linkedEventID, &detailJSON); err != nil {
		return contracts.DecisionRecord{}, fmt.Errorf("scan decision: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return contracts.DecisionRecord{}, fmt.Errorf("parse decision timestamp %q: %w", timestamp, err)
	}
	rec.DecisionType = contracts.DecisionType(decisionType)
	rec.ActorType = contracts.ActorType(actorType)
	rec.ActorID = actorID.String
	rec.Timestamp = ts
	rec.LinkedEventID = linkedEventID.String
	if detailJSON.Valid && detailJSON.String != "" && detailJSON.String != "null" {
		if err := json.Unmarshal([]byte(detailJSON.String), &rec.Detail); err != nil {
			return contracts.DecisionRecord{}, fmt.Errorf("decode decision detail: %w", err)
		}
	}
	return rec, nil
}
