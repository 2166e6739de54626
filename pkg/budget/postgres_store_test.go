package budget

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorage_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT project_id, daily_limit, total_limit, daily_used, total_used, last_updated
		 FROM validation_budgets WHERE project_id = $1`)).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"project_id", "daily_limit", "total_limit", "daily_used", "total_used", "last_updated"}).
			AddRow("proj-1", 5_000, 50_000, 1_200, 8_400, updated))

	storage := NewPostgresStorage(db)
	b, err := storage.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(1_200), b.DailyUsed)
	assert.Equal(t, int64(8_400), b.TotalUsed)
	assert.Equal(t, updated, b.LastUpdated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_GetMissingReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT project_id").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(
			[]string{"project_id", "daily_limit", "total_limit", "daily_used", "total_used", "last_updated"}))

	storage := NewPostgresStorage(db)
	b, err := storage.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, b)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_SetUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO validation_budgets").
		WithArgs("proj-1", int64(5_000), int64(50_000), int64(1_200), int64(8_400), updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	storage := NewPostgresStorage(db)
	err = storage.Set(context.Background(), &Budget{
		ProjectID:   "proj-1",
		DailyLimit:  5_000,
		TotalLimit:  50_000,
		DailyUsed:   1_200,
		TotalUsed:   8_400,
		LastUpdated: updated,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_LimitsFallsBackToDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT daily_limit, total_limit").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"daily_limit", "total_limit"}))

	storage := NewPostgresStorage(db)
	daily, total, err := storage.Limits(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(defaultDailyLimitCents), daily)
	assert.Equal(t, int64(defaultTotalLimitCents), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_SetLimits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO validation_budgets").
		WithArgs("proj-1", int64(10_000), int64(100_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	storage := NewPostgresStorage(db)
	require.NoError(t, storage.SetLimits(context.Background(), "proj-1", 10_000, 100_000))
	require.NoError(t, mock.ExpectationsWereMet())
}
