package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus is the delivery state of a parked notification.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRecord is one pending notification. State transitions commit first;
// delivery happens afterwards from the outbox, so a crash between the two
// re-delivers instead of silently dropping the notification.
type OutboxRecord struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// OutboxStore schedules and drains pending notifications.
type OutboxStore interface {
	// Schedule parks a notification. Idempotent on id.
	Schedule(ctx context.Context, id, projectID, kind string, payload any) error
	// GetPending returns undelivered records in schedule order.
	GetPending(ctx context.Context) ([]*OutboxRecord, error)
	// MarkDelivered finalizes a record after successful delivery.
	MarkDelivered(ctx context.Context, id string) error
	// MarkFailed bumps the attempt counter; the record stays pending until
	// maxAttempts, then parks as FAILED for operator attention.
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}

// PostgresOutboxStore implements OutboxStore on a shared Postgres pool.
type PostgresOutboxStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresOutboxStore wraps an existing connection pool.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PostgresOutboxStore) WithClock(clock func() time.Time) *PostgresOutboxStore {
	s.clock = clock
	return s
}

// Migrate creates the notification_outbox table if missing.
func (s *PostgresOutboxStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS notification_outbox (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		payload      JSONB NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		attempts     INTEGER NOT NULL DEFAULT 0,
		scheduled_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate notification_outbox: %w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Schedule implements OutboxStore.
func (s *PostgresOutboxStore) Schedule(ctx context.Context, id, projectID, kind string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("schedule notification %s: marshal: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, project_id, kind, payload, status, attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5)
		ON CONFLICT (id) DO NOTHING`,
		id, projectID, kind, payloadJSON, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("schedule notification %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return nil
}

// GetPending implements OutboxStore.
func (s *PostgresOutboxStore) GetPending(ctx context.Context) ([]*OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, kind, payload, status, attempts, scheduled_at
		FROM notification_outbox WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("get pending notifications: %w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxRecord
	for rows.Next() {
		var (
			rec     OutboxRecord
			status  string
			payload []byte
			at      time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Kind, &payload, &status, &rec.Attempts, &at); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Payload = payload
		rec.Status = OutboxStatus(status)
		rec.ScheduledAt = at.UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get pending notifications: %w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// MarkDelivered implements OutboxStore.
func (s *PostgresOutboxStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_outbox SET status = 'DELIVERED' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return nil
}

// MarkFailed implements OutboxStore.
func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END
		WHERE id = $1`, id, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return nil
}
