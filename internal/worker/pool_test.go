package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flagmeter-lab/flagmeter/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*queue.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return queue.New(rdb, "events"), mr
}

func startPool(t *testing.T, q *queue.Client, proc JobProcessor, concurrency int) (context.CancelFunc, chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pool := NewPool(q, proc, concurrency, WithPollTimeout(50*time.Millisecond))

	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker pool did not stop")
		}
	})

	return cancel, done
}

func TestPool_ConcurrentWorkersSumExactly(t *testing.T) {
	q, _ := newTestQueue(t)
	store := newMemRollupStore(10_000_000)
	proc := NewProcessor(store, newMemCache(), &recordingNotifier{}, 80)

	createdAt := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	const jobs = 100
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Publish(context.Background(), makeJob(fmt.Sprintf("evt-%d", i), 3, createdAt)))
	}

	startPool(t, q, proc, 4)

	bucket := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	require.Eventually(t, func() bool {
		return store.bucketTotal("tenant-1", "completion", bucket) == int64(jobs*3)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_MalformedEntrySkippedAndLoopSurvives(t *testing.T) {
	q, mr := newTestQueue(t)
	store := newMemRollupStore(1_000_000)
	proc := NewProcessor(store, newMemCache(), &recordingNotifier{}, 80)

	// A non-JSON string sits in front of a valid job.
	_, err := mr.Lpush("events", "definitely not json")
	require.NoError(t, err)

	createdAt := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	require.NoError(t, q.Publish(context.Background(), makeJob("evt-ok", 42, createdAt)))

	startPool(t, q, proc, 1)

	bucket := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	require.Eventually(t, func() bool {
		return store.bucketTotal("tenant-1", "completion", bucket) == 42
	}, 5*time.Second, 10*time.Millisecond)

	// The loop is still alive after the malformed entry: a later job is
	// picked up and processed normally.
	require.NoError(t, q.Publish(context.Background(), makeJob("evt-after", 8, createdAt)))
	require.Eventually(t, func() bool {
		return store.bucketTotal("tenant-1", "completion", bucket) == 50
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_InvalidEnvelopeSkipped(t *testing.T) {
	q, mr := newTestQueue(t)
	store := newMemRollupStore(1_000_000)
	proc := NewProcessor(store, newMemCache(), &recordingNotifier{}, 80)

	// Valid JSON, invalid envelope (zero tokens).
	_, err := mr.Lpush("events", `{"eventId":"evt-bad","tenantId":"tenant-1","feature":"completion","tokens":0,"createdAt":"2024-03-01T10:15:30Z"}`)
	require.NoError(t, err)

	createdAt := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	require.NoError(t, q.Publish(context.Background(), makeJob("evt-ok", 5, createdAt)))

	startPool(t, q, proc, 1)

	bucket := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	require.Eventually(t, func() bool {
		return store.bucketTotal("tenant-1", "completion", bucket) == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_StopsPromptlyOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	proc := NewProcessor(newMemRollupStore(1000), newMemCache(), &recordingNotifier{}, 80)

	cancel, done := startPool(t, q, proc, 4)

	// Nothing queued; workers are block-waiting on the poll timeout.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
