package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
)

// RollupAdapter implements storage.RollupStore using PostgreSQL.
// It shares the connection pool owned by Adapter.
//
// Contract: UpsertRollup is one INSERT ... ON CONFLICT DO UPDATE statement, so
// the add-or-create is atomic and commutative under concurrent workers. There
// is deliberately no read-then-write path here.
type RollupAdapter struct {
	db         *sql.DB
	stmtUpsert *sql.Stmt
	stmtUsage  *sql.Stmt
	nowFn      func() time.Time
}

// NewRollupAdapter creates a RollupAdapter sharing the given connection.
func NewRollupAdapter(db *sql.DB) (*RollupAdapter, error) {
	stmtUpsert, err := db.Prepare(queryUpsertRollup)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsertRollup statement: %w", err)
	}

	stmtUsage, err := db.Prepare(queryMonthlyUsage)
	if err != nil {
		stmtUpsert.Close()
		return nil, fmt.Errorf("failed to prepare monthlyUsage statement: %w", err)
	}

	return &RollupAdapter{
		db:         db,
		stmtUpsert: stmtUpsert,
		stmtUsage:  stmtUsage,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// UpsertRollup atomically adds tokens to the (tenant, feature, minute) bucket,
// creating it if absent.
func (a *RollupAdapter) UpsertRollup(ctx context.Context, tenantID, feature string, minute time.Time, tokens int64) error {
	_, err := a.stmtUpsert.ExecContext(ctx, tenantID, feature, minute, tokens, a.nowFn())
	if err != nil {
		return fmt.Errorf("failed to upsert rollup: %w", err)
	}

	slog.Debug("[Rollup] Upserted bucket",
		"tenant_id", tenantID,
		"feature", feature,
		"minute", minute,
		"tokens", tokens)
	return nil
}

// MonthlyUsage sums the tenant's rollups since periodStart and returns the
// total alongside the tenant's monthly quota.
func (a *RollupAdapter) MonthlyUsage(ctx context.Context, tenantID string, periodStart time.Time) (storage.Usage, error) {
	var usage storage.Usage
	err := a.stmtUsage.QueryRowContext(ctx, tenantID, periodStart).Scan(
		&usage.MonthlyQuota,
		&usage.TotalTokens,
	)
	if err == sql.ErrNoRows {
		return storage.Usage{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Usage{}, fmt.Errorf("failed to query monthly usage: %w", err)
	}
	return usage, nil
}

// Close closes the prepared statements. The shared *sql.DB is closed by the
// owning Adapter.
func (a *RollupAdapter) Close() error {
	var firstErr error
	if err := a.stmtUpsert.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close upsertRollup statement: %w", err)
	}
	if err := a.stmtUsage.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close monthlyUsage statement: %w", err)
	}
	return firstErr
}
