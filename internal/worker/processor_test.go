package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/flagmeter-lab/flagmeter/internal/notify"
	"github.com/stretchr/testify/require"
)

// memRollupStore is a thread-safe in-memory RollupStore for pipeline tests.
type memRollupStore struct {
	mu        sync.Mutex
	buckets   map[string]int64 // "tenant|feature|minute" -> tokens
	quota     int64
	upsertErr error
	usageErr  error
}

func newMemRollupStore(quota int64) *memRollupStore {
	return &memRollupStore{buckets: make(map[string]int64), quota: quota}
}

func rollupKey(tenantID, feature string, minute time.Time) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, feature, minute.Format(time.RFC3339))
}

func (s *memRollupStore) UpsertRollup(ctx context.Context, tenantID, feature string, minute time.Time, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.buckets[rollupKey(tenantID, feature, minute)] += tokens
	return nil
}

func (s *memRollupStore) MonthlyUsage(ctx context.Context, tenantID string, periodStart time.Time) (storage.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return storage.Usage{}, s.usageErr
	}
	var total int64
	for key, tokens := range s.buckets {
		if len(key) >= len(tenantID) && key[:len(tenantID)] == tenantID {
			total += tokens
		}
	}
	return storage.Usage{TotalTokens: total, MonthlyQuota: s.quota}, nil
}

func (s *memRollupStore) bucketTotal(tenantID, feature string, minute time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[rollupKey(tenantID, feature, minute)]
}

type memCache struct {
	mu      sync.Mutex
	percent map[string]float64
	err     error
}

func newMemCache() *memCache {
	return &memCache{percent: make(map[string]float64)}
}

func (c *memCache) SetPercent(ctx context.Context, tenantID string, percent float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.percent[tenantID] = percent
	return nil
}

func (c *memCache) get(tenantID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.percent[tenantID]
	return p, ok
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func makeJob(eventID string, tokens int64, createdAt time.Time) *v1.Job {
	return &v1.Job{
		EventID:   eventID,
		TenantID:  "tenant-1",
		Feature:   "completion",
		Tokens:    tokens,
		CreatedAt: createdAt,
	}
}

func TestProcessor_AggregatesIntoMinuteBucket(t *testing.T) {
	store := newMemRollupStore(100_000)
	cache := newMemCache()
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, cache, notifier, 80)

	ctx := context.Background()
	require.NoError(t, proc.Process(ctx, makeJob("evt-1", 100, time.Date(2024, 3, 1, 10, 15, 47, 0, time.UTC))))
	require.NoError(t, proc.Process(ctx, makeJob("evt-2", 50, time.Date(2024, 3, 1, 10, 15, 59, 0, time.UTC))))
	require.NoError(t, proc.Process(ctx, makeJob("evt-3", 25, time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC))))

	bucket1015 := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	bucket1016 := time.Date(2024, 3, 1, 10, 16, 0, 0, time.UTC)
	require.Equal(t, int64(150), store.bucketTotal("tenant-1", "completion", bucket1015))
	require.Equal(t, int64(25), store.bucketTotal("tenant-1", "completion", bucket1016))
}

func TestProcessor_ConcurrentIncrementsSameKeySumExactly(t *testing.T) {
	store := newMemRollupStore(10_000_000)
	proc := NewProcessor(store, newMemCache(), &recordingNotifier{}, 80)

	createdAt := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	const workers = 8
	const jobsPerWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < jobsPerWorker; i++ {
				job := makeJob(fmt.Sprintf("evt-%d-%d", w, i), 7, createdAt)
				require.NoError(t, proc.Process(context.Background(), job))
			}
		}(w)
	}
	wg.Wait()

	bucket := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	require.Equal(t, int64(workers*jobsPerWorker*7), store.bucketTotal("tenant-1", "completion", bucket))
}

func TestProcessor_RefreshesQuotaCache(t *testing.T) {
	store := newMemRollupStore(1000)
	cache := newMemCache()
	proc := NewProcessor(store, cache, &recordingNotifier{}, 80)

	require.NoError(t, proc.Process(context.Background(), makeJob("evt-1", 250, time.Now().UTC())))

	percent, ok := cache.get("tenant-1")
	require.True(t, ok)
	require.InDelta(t, 25.0, percent, 1e-9)
}

func TestProcessor_ThresholdTriggersExactlyOneNotification(t *testing.T) {
	store := newMemRollupStore(1000)
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, newMemCache(), notifier, 80)
	ctx := context.Background()

	// 799 tokens: below threshold, no notification.
	require.NoError(t, proc.Process(ctx, makeJob("evt-1", 500, time.Now().UTC())))
	require.NoError(t, proc.Process(ctx, makeJob("evt-2", 299, time.Now().UTC())))
	require.Equal(t, 0, notifier.count())

	// One more token reaches 800/1000 = 80%.
	require.NoError(t, proc.Process(ctx, makeJob("evt-3", 1, time.Now().UTC())))
	require.Equal(t, 1, notifier.count())

	got := notifier.calls[0]
	require.Equal(t, "tenant-1", got.TenantID)
	require.Equal(t, int64(800), got.TotalTokens)
	require.Equal(t, int64(1000), got.MonthlyQuota)
	require.InDelta(t, 80.0, got.QuotaPercent, 1e-9)
}

func TestProcessor_ZeroQuotaNeverNotifies(t *testing.T) {
	store := newMemRollupStore(0)
	cache := newMemCache()
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, cache, notifier, 80)

	require.NoError(t, proc.Process(context.Background(), makeJob("evt-1", 5000, time.Now().UTC())))

	percent, ok := cache.get("tenant-1")
	require.True(t, ok)
	require.Equal(t, 0.0, percent)
	require.Equal(t, 0, notifier.count())
}

func TestProcessor_RollupFailureFailsJob(t *testing.T) {
	store := newMemRollupStore(1000)
	store.upsertErr = errors.New("connection reset")
	cache := newMemCache()
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, cache, notifier, 80)

	err := proc.Process(context.Background(), makeJob("evt-1", 100, time.Now().UTC()))
	require.ErrorContains(t, err, "upsert rollup")

	// Downstream steps were skipped.
	_, ok := cache.get("tenant-1")
	require.False(t, ok)
	require.Equal(t, 0, notifier.count())
}

func TestProcessor_UsageFailureSkipsDownstreamOnly(t *testing.T) {
	store := newMemRollupStore(1000)
	store.usageErr = errors.New("connection reset")
	cache := newMemCache()
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, cache, notifier, 80)

	createdAt := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	err := proc.Process(context.Background(), makeJob("evt-1", 100, createdAt))
	require.ErrorContains(t, err, "recompute usage")

	// The committed increment stands; there is no rollback.
	store.usageErr = nil
	require.Equal(t, int64(100), store.bucketTotal("tenant-1", "completion", createdAt))
	require.Equal(t, 0, notifier.count())
}

func TestProcessor_CacheFailureDoesNotFailJob(t *testing.T) {
	store := newMemRollupStore(1000)
	cache := newMemCache()
	cache.err = errors.New("redis down")
	notifier := &recordingNotifier{}
	proc := NewProcessor(store, cache, notifier, 80)

	require.NoError(t, proc.Process(context.Background(), makeJob("evt-1", 900, time.Now().UTC())))

	// Notification still fires even though the cache write was lost.
	require.Equal(t, 1, notifier.count())
}
