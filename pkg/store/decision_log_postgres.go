package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresDecisionStore is the shared-deployment decision log backend. The
// connection handle is constructed by the caller and passed down; this type
// never opens or owns global connections.
type PostgresDecisionStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresDecisionStore wraps an existing connection pool.
func NewPostgresDecisionStore(db *sql.DB) *PostgresDecisionStore {
	return &PostgresDecisionStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PostgresDecisionStore) WithClock(clock func() time.Time) *PostgresDecisionStore {
	s.clock = clock
	return s
}

// Migrate creates the decision_records table if missing.
func (s *PostgresDecisionStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_records (
		record_seq      BIGSERIAL PRIMARY KEY,
		decision_id     TEXT NOT NULL UNIQUE,
		project_id      TEXT NOT NULL,
		decision_type   TEXT NOT NULL,
		actor_type      TEXT NOT NULL,
		actor_id        TEXT,
		rationale       TEXT NOT NULL,
		timestamp       TIMESTAMPTZ NOT NULL,
		linked_event_id TEXT,
		detail          JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_decision_project ON decision_records (project_id, record_seq);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate decision_records: %w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Record implements DecisionStore.
func (s *PostgresDecisionStore) Record(ctx context.Context, rec contracts.DecisionRecord) (string, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (decision_id) DO NOTHING`,
		rec.DecisionID, rec.ProjectID, string(rec.DecisionType), string(rec.ActorType),
		rec.ActorID, rec.Rationale, rec.Timestamp.UTC(),
		rec.LinkedEventID, detailJSON,
	)
	if err != nil {
		return "", fmt.Errorf("record decision %s: %w: %v", rec.DecisionID, ErrStorageUnavailable, err)
	}
	return rec.DecisionID, nil
}

// History implements DecisionStore.
func (s *PostgresDecisionStore) History(ctx context.Context, projectID string) ([]contracts.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, project_id, decision_type, actor_type, actor_id, rationale, timestamp, linked_event_id, detail
		FROM decision_records WHERE project_id = $1 ORDER BY record_seq ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("decision history %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.DecisionRecord, 0)
	for rows.Next() {
		var (
			rec           contracts.DecisionRecord
			decisionType  string
			actorType     string
			actorID       sql.NullString
			ts            time.Time
			linkedEventID sql.NullString
			detailJSON    []byte
		)
		if err := rows.Scan(&rec.DecisionID, &rec.ProjectID, &decisionType, &actorType,
			&actorID, &rec.Rationale, &ts, &linkedEventID, &detailJSON); err != nil {
			return nil, fmt.Errorf("decision history %s: scan: %w", projectID, err)
		}
		rec.DecisionType = contracts.DecisionType(decisionType)
		rec.ActorType = contracts.ActorType(actorType)
		rec.ActorID = actorID.String
		rec.Timestamp = ts.UTC()
		rec.LinkedEventID = linkedEventID.String
		if len(detailJSON) > 0 && string(detailJSON) != "null" {
			if err := json.Unmarshal(detailJSON, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decision history %s: decode detail: %w", projectID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decision history %s: %w: %v", projectID, ErrStorageUnavailable, err)
	}
	return out, nil
}

// Has implements DecisionStore.
func (s *PostgresDecisionStore) Has(ctx context.Context, decisionID string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM decision_records WHERE decision_id = $1`, decisionID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("decision lookup %s: %w: %v", decisionID, ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

// Ping implements DecisionStore.
func (s *PostgresDecisionStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
