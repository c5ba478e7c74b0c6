// Package queue is the durable job transport: a named Redis list written with
// LPUSH and drained with BRPOP, giving FIFO, at-least-once handoff between
// ingestion and the worker pool.
//
// There is no acknowledgment or visibility timeout: once popped, a job is gone
// from the queue regardless of processing outcome. Consumers must treat every
// dequeue as a one-shot opportunity and handle processing failure themselves.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/redis/go-redis/v9"
)

// Client publishes and consumes jobs on one named queue.
// The underlying redis client (and its connection pool) is shared with the
// quota cache and closed by the process owner, after the workers stop.
type Client struct {
	rdb  *redis.Client
	name string
}

// New creates a queue client on an existing redis connection.
func New(rdb *redis.Client, name string) *Client {
	return &Client{rdb: rdb, name: name}
}

// Name returns the queue's Redis key.
func (c *Client) Name() string {
	return c.name
}

// Ping reports transport connectivity for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish appends a job to the tail of the queue.
func (c *Client) Publish(ctx context.Context, job *v1.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := c.rdb.LPush(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("failed to push job to queue %q: %w", c.name, err)
	}

	slog.Debug("[Queue] Published job",
		"queue", c.name,
		"event_id", job.EventID,
		"tenant_id", job.TenantID)
	return nil
}

// Consume blocks up to timeout waiting for the oldest job and removes it.
// Returns (nil, nil) when the timeout elapses with an empty queue.
//
// The raw payload is returned undecoded so a malformed entry can be logged
// and skipped by the caller without losing the rest of the queue.
func (c *Client) Consume(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := c.rdb.BRPop(ctx, timeout, c.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %q: %w", c.name, err)
	}

	// BRPOP returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d from queue %q", len(result), c.name)
	}
	return []byte(result[1]), nil
}
