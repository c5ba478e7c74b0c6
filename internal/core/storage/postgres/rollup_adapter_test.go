package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/stretchr/testify/require"
)

func newMockRollupAdapter(t *testing.T) (*RollupAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &RollupAdapter{
		db:         db,
		stmtUpsert: mustPrepareStmt(t, db, mock, queryUpsertRollup),
		stmtUsage:  mustPrepareStmt(t, db, mock, queryMonthlyUsage),
		nowFn: func() time.Time {
			return time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC)
		},
	}

	return adapter, mock, db
}

func TestRollupAdapter_UpsertRollup(t *testing.T) {
	adapter, mock, db := newMockRollupAdapter(t)
	defer db.Close()

	minute := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	updatedAt := time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(queryUpsertRollup)).
		WithArgs("tenant-1", "completion", minute, int64(128), updatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.UpsertRollup(context.Background(), "tenant-1", "completion", minute, 128)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupAdapter_UpsertRollup_Error(t *testing.T) {
	adapter, mock, db := newMockRollupAdapter(t)
	defer db.Close()

	minute := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(queryUpsertRollup)).
		WithArgs("tenant-1", "completion", minute, int64(128), sqlmock.AnyArg()).
		WillReturnError(sql.ErrConnDone)

	err := adapter.UpsertRollup(context.Background(), "tenant-1", "completion", minute, 128)
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to upsert rollup")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupAdapter_MonthlyUsage(t *testing.T) {
	adapter, mock, db := newMockRollupAdapter(t)
	defer db.Close()

	periodStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryMonthlyUsage)).
		WithArgs("tenant-1", periodStart).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_quota", "total_tokens"}).
			AddRow(int64(1000), int64(800)))

	usage, err := adapter.MonthlyUsage(context.Background(), "tenant-1", periodStart)
	require.NoError(t, err)
	require.Equal(t, int64(800), usage.TotalTokens)
	require.Equal(t, int64(1000), usage.MonthlyQuota)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupAdapter_MonthlyUsage_NoRollupsYet(t *testing.T) {
	adapter, mock, db := newMockRollupAdapter(t)
	defer db.Close()

	periodStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// LEFT JOIN + COALESCE: a tenant with no rollups still returns one row.
	mock.ExpectQuery(regexp.QuoteMeta(queryMonthlyUsage)).
		WithArgs("tenant-1", periodStart).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_quota", "total_tokens"}).
			AddRow(int64(1000), int64(0)))

	usage, err := adapter.MonthlyUsage(context.Background(), "tenant-1", periodStart)
	require.NoError(t, err)
	require.Equal(t, int64(0), usage.TotalTokens)
	require.Equal(t, int64(1000), usage.MonthlyQuota)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupAdapter_MonthlyUsage_UnknownTenant(t *testing.T) {
	adapter, mock, db := newMockRollupAdapter(t)
	defer db.Close()

	periodStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryMonthlyUsage)).
		WithArgs("ghost", periodStart).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_quota", "total_tokens"}))

	_, err := adapter.MonthlyUsage(context.Background(), "ghost", periodStart)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
