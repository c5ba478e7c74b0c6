// Package worker runs the asynchronous processing pipeline: N symmetric
// consumer loops pulling jobs off the queue and driving aggregation, cache
// refresh and threshold notification.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/flagmeter-lab/flagmeter/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency      = 4
	defaultPollTimeout      = 2 * time.Second
	defaultTransportBackoff = time.Second

	// inFlightTimeout bounds how long a job dequeued just before shutdown may
	// keep running once the pool's context is cancelled.
	inFlightTimeout = 30 * time.Second
)

// Consumer is the queue contract the pool drains. A (nil, nil) result means
// the poll timed out with nothing to do.
type Consumer interface {
	Consume(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// JobProcessor applies one decoded job.
type JobProcessor interface {
	Process(ctx context.Context, job *v1.Job) error
}

// Pool runs concurrency identical consumer loops. Workers are symmetric: no
// partitioning, no cross-worker ordering. Jobs for the same rollup key may be
// processed concurrently, which is safe because the store's increment is
// atomic and commutative.
type Pool struct {
	consumer         Consumer
	processor        JobProcessor
	concurrency      int
	pollTimeout      time.Duration
	transportBackoff time.Duration
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithPollTimeout overrides the blocking-pop timeout.
func WithPollTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithTransportBackoff overrides the pause after a queue transport error.
func WithTransportBackoff(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.transportBackoff = d
		}
	}
}

// NewPool creates a worker pool.
func NewPool(consumer Consumer, processor JobProcessor, concurrency int, opts ...PoolOption) *Pool {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	p := &Pool{
		consumer:         consumer,
		processor:        processor,
		concurrency:      concurrency,
		pollTimeout:      defaultPollTimeout,
		transportBackoff: defaultTransportBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts all worker loops and blocks until ctx is cancelled and every
// in-flight job has completed.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("[Worker] Starting worker pool",
		"concurrency", p.concurrency,
		"poll_timeout", p.pollTimeout)

	g := new(errgroup.Group)
	for i := 1; i <= p.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			p.runLoop(ctx, workerID)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("[Worker] Worker pool stopped")
	return err
}

// runLoop is one consumer: block-wait with a small timeout so the loop stays
// responsive to shutdown, then decode and process. Failures are local to the
// job; the loop itself never terminates on them.
func (p *Pool) runLoop(ctx context.Context, workerID int) {
	slog.Info("[Worker] Worker started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Worker] Worker stopping (context cancelled)", "worker_id", workerID)
			return
		default:
		}

		payload, err := p.consumer.Consume(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[Worker] Worker stopping (context cancelled)", "worker_id", workerID)
				return
			}
			slog.Error("[Worker] Queue receive failed",
				"worker_id", workerID,
				"error", err)
			if !sleepCtx(ctx, p.transportBackoff) {
				return
			}
			continue
		}
		if payload == nil {
			continue // poll timeout, nothing queued
		}

		job, ok := decodeJob(workerID, payload)
		if !ok {
			continue
		}

		// A job dequeued before shutdown is allowed to finish: the queue has
		// no redelivery, so abandoning it here would lose it outright.
		procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inFlightTimeout)
		err = p.processor.Process(procCtx, job)
		cancel()

		if err != nil {
			// No requeue primitive exists; the job is dropped after logging.
			slog.Error("[Worker] Failed to process job",
				"worker_id", workerID,
				"event_id", job.EventID,
				"tenant_id", job.TenantID,
				"error", err)
			metrics.JobsFailed.Inc()
			continue
		}

		metrics.JobsProcessed.Inc()
	}
}

// decodeJob deserializes and validates a raw queue entry. Malformed payloads
// are logged with their content and skipped, never fatal to the loop.
func decodeJob(workerID int, payload []byte) (*v1.Job, bool) {
	var job v1.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		slog.Warn("[Worker] Dropping malformed job payload",
			"worker_id", workerID,
			"payload", truncatePayload(payload),
			"error", err)
		metrics.JobsMalformed.Inc()
		return nil, false
	}

	if err := job.Validate(); err != nil {
		slog.Warn("[Worker] Dropping invalid job",
			"worker_id", workerID,
			"event_id", job.EventID,
			"error", err)
		metrics.JobsMalformed.Inc()
		return nil, false
	}

	return &job, true
}

func truncatePayload(payload []byte) string {
	const max = 256
	if len(payload) > max {
		return string(payload[:max]) + "..."
	}
	return string(payload)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
