package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/flagmeter-lab/flagmeter/internal/core/quota"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/flagmeter-lab/flagmeter/internal/notify"
)

// QuotaSetter writes the recomputed quota percentage to the short-TTL cache.
type QuotaSetter interface {
	SetPercent(ctx context.Context, tenantID string, percent float64) error
}

// Notifier triggers the threshold alert. Delivery failure never surfaces here.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Processor applies one accounting job:
//
//  1. truncate createdAt to the minute bucket,
//  2. atomically increment the rollup for (tenant, feature, bucket),
//  3. recompute the tenant's current-cycle usage percentage,
//  4. refresh the quota cache,
//  5. hand off to the notifier when the threshold is crossed.
//
// A rollup or usage failure fails the whole job; the increment, if it already
// committed, stands (no rollback) and only downstream steps are skipped.
type Processor struct {
	rollups   storage.RollupStore
	cache     QuotaSetter
	notifier  Notifier
	threshold float64
	nowFn     func() time.Time
}

// NewProcessor wires the job-processing routine.
func NewProcessor(rollups storage.RollupStore, cache QuotaSetter, notifier Notifier, threshold float64) *Processor {
	if threshold <= 0 {
		threshold = 80
	}
	return &Processor{
		rollups:   rollups,
		cache:     cache,
		notifier:  notifier,
		threshold: threshold,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Process applies a single job. Errors are returned for the worker loop to
// log; the job is never requeued (the transport has no redelivery primitive).
func (p *Processor) Process(ctx context.Context, job *v1.Job) error {
	bucket := job.MinuteBucket()

	slog.Info("[Processor] Processing event",
		"event_id", job.EventID,
		"tenant_id", job.TenantID,
		"feature", job.Feature,
		"tokens", job.Tokens,
		"minute", bucket)

	if err := p.rollups.UpsertRollup(ctx, job.TenantID, job.Feature, bucket, job.Tokens); err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}

	periodStart := quota.MonthStart(p.nowFn())
	usage, err := p.rollups.MonthlyUsage(ctx, job.TenantID, periodStart)
	if err != nil {
		return fmt.Errorf("recompute usage: %w", err)
	}

	percent := quota.Percent(usage.TotalTokens, usage.MonthlyQuota)

	// The cache is an optimization; a failed write only widens the staleness
	// window for readers, so it must not fail the job.
	if err := p.cache.SetPercent(ctx, job.TenantID, percent); err != nil {
		slog.Warn("[Processor] Failed to refresh quota cache",
			"tenant_id", job.TenantID,
			"error", err)
	}

	slog.Debug("[Processor] Quota updated",
		"tenant_id", job.TenantID,
		"quota_percent", fmt.Sprintf("%.2f", percent))

	if percent >= p.threshold {
		p.notifier.Notify(ctx, notify.Notification{
			TenantID:     job.TenantID,
			TotalTokens:  usage.TotalTokens,
			MonthlyQuota: usage.MonthlyQuota,
			QuotaPercent: percent,
		})
	}

	return nil
}
