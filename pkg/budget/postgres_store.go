package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage on a shared Postgres pool.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps an existing connection pool.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the validation_budgets table if missing.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS validation_budgets (
		project_id   TEXT PRIMARY KEY,
		daily_limit  BIGINT NOT NULL,
		total_limit  BIGINT NOT NULL,
		daily_used   BIGINT NOT NULL DEFAULT 0,
		total_used   BIGINT NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate validation_budgets: %w", err)
	}
	return nil
}

// Get implements Storage.
func (s *PostgresStorage) Get(ctx context.Context, projectID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, daily_limit, total_limit, daily_used, total_used, last_updated
		 FROM validation_budgets WHERE project_id = $1`, projectID)

	var b Budget
	err := row.Scan(&b.ProjectID, &b.DailyLimit, &b.TotalLimit, &b.DailyUsed, &b.TotalUsed, &b.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget %s: %w", projectID, err)
	}
	return &b, nil
}

// Set implements Storage.
func (s *PostgresStorage) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO validation_budgets (project_id, daily_limit, total_limit, daily_used, total_used, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			total_used = EXCLUDED.total_used,
			last_updated = EXCLUDED.last_updated`
	_, err := s.db.ExecContext(ctx, query,
		b.ProjectID, b.DailyLimit, b.TotalLimit, b.DailyUsed, b.TotalUsed, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("persist budget %s: %w", b.ProjectID, err)
	}
	return nil
}

// Limits implements Storage.
func (s *PostgresStorage) Limits(ctx context.Context, projectID string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT daily_limit, total_limit FROM validation_budgets WHERE project_id = $1`, projectID)
	var daily, total int64
	err := row.Scan(&daily, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultDailyLimitCents, defaultTotalLimitCents, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("limits %s: %w", projectID, err)
	}
	return daily, total, nil
}

// SetLimits implements Storage.
func (s *PostgresStorage) SetLimits(ctx context.Context, projectID string, daily, total int64) error {
	query := `
		INSERT INTO validation_budgets (project_id, daily_limit, total_limit, daily_used, total_used, last_updated)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			total_limit = EXCLUDED.total_limit`
	if _, err := s.db.ExecContext(ctx, query, projectID, daily, total); err != nil {
		return fmt.Errorf("set limits %s: %w", projectID, err)
	}
	return nil
}
