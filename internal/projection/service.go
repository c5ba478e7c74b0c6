// Package projection serves the usage read API: month-to-date token totals per
// tenant, with the short-TTL cache as a fast path for the quota percentage.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/flagmeter-lab/flagmeter/internal/core/quota"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
)

// PercentCache is the read/write contract against the quota-percent cache.
// A miss is (0, false, nil); cache errors never fail the read path.
type PercentCache interface {
	GetPercent(ctx context.Context, tenantID string) (float64, bool, error)
	SetPercent(ctx context.Context, tenantID string, percent float64) error
}

// Service implements the usage query layer.
type Service struct {
	tenants storage.TenantStore
	rollups storage.RollupStore
	cache   PercentCache
	nowFn   func() time.Time
}

// NewService creates a projection service. cache may be nil, in which case
// every read recomputes the percentage from the rollup store.
func NewService(tenants storage.TenantStore, rollups storage.RollupStore, cache PercentCache) *Service {
	if tenants == nil {
		panic("projection: tenant store must not be nil")
	}
	if rollups == nil {
		panic("projection: rollup store must not be nil")
	}
	return &Service{
		tenants: tenants,
		rollups: rollups,
		cache:   cache,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// GetUsage returns the tenant's current-cycle usage snapshot. The token total
// always comes from the rollup store; the quota percentage is served from the
// cache when present, otherwise computed and written back.
func (s *Service) GetUsage(ctx context.Context, tenantName string) (*v1.UsageResponse, error) {
	tenant, err := s.tenants.GetTenantByName(ctx, tenantName)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	periodStart := quota.MonthStart(now)

	usage, err := s.rollups.MonthlyUsage(ctx, tenant.ID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("monthly usage for tenant %s: %w", tenant.ID, err)
	}

	percent, cached := s.cachedPercent(ctx, tenant.ID)
	if !cached {
		percent = quota.Percent(usage.TotalTokens, usage.MonthlyQuota)
		if s.cache != nil {
			if err := s.cache.SetPercent(ctx, tenant.ID, percent); err != nil {
				slog.Warn("Failed to warm quota cache", "tenant_id", tenant.ID, "error", err)
			}
		}
	}

	return &v1.UsageResponse{
		Tenant:       tenant.ID,
		TenantName:   tenant.Name,
		TotalTokens:  usage.TotalTokens,
		MonthlyQuota: usage.MonthlyQuota,
		QuotaPercent: quota.RoundPercent(percent, 2),
		PeriodStart:  periodStart.Format(time.RFC3339),
		PeriodEnd:    quota.MonthEnd(now).Format(time.RFC3339),
	}, nil
}

func (s *Service) cachedPercent(ctx context.Context, tenantID string) (float64, bool) {
	if s.cache == nil {
		return 0, false
	}
	percent, ok, err := s.cache.GetPercent(ctx, tenantID)
	if err != nil {
		slog.Warn("Quota cache read failed, recomputing", "tenant_id", tenantID, "error", err)
		return 0, false
	}
	return percent, ok
}
