// Package cache holds the short-TTL quota-percent cache. It is purely an
// optimization for dashboard and API reads: losing an entry never loses
// correctness, only causes a recompute from the rollup store.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "quota:"

// QuotaCache stores the last-computed quota percentage per tenant with a
// fixed short TTL. Writes are last-writer-wins; staleness is bounded by the TTL.
type QuotaCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a QuotaCache on an existing redis connection.
func New(rdb *redis.Client, ttl time.Duration) *QuotaCache {
	return &QuotaCache{rdb: rdb, ttl: ttl}
}

// SetPercent overwrites the tenant's cached quota percentage.
func (c *QuotaCache) SetPercent(ctx context.Context, tenantID string, percent float64) error {
	value := strconv.FormatFloat(percent, 'f', -1, 64)
	if err := c.rdb.Set(ctx, keyPrefix+tenantID, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache quota percent for tenant %s: %w", tenantID, err)
	}
	return nil
}

// GetPercent returns the cached quota percentage and whether it was present.
func (c *QuotaCache) GetPercent(ctx context.Context, tenantID string) (float64, bool, error) {
	value, err := c.rdb.Get(ctx, keyPrefix+tenantID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read quota percent for tenant %s: %w", tenantID, err)
	}

	percent, err := strconv.ParseFloat(value, 64)
	if err != nil {
		// A corrupt entry is treated as a miss; the caller recomputes.
		return 0, false, nil
	}
	return percent, true, nil
}
