package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/flagmeter-lab/flagmeter/internal/core/quota"
)

const defaultRolloverInterval = time.Hour

// Rollover clears the dedup set when the UTC calendar month changes, making
// every tenant eligible for one notification in the new billing cycle.
//
// The clock and check interval are injectable so tests can simulate month
// boundaries deterministically.
type Rollover struct {
	dedup    *DedupSet
	interval time.Duration
	nowFn    func() time.Time
}

// RolloverOption customizes a Rollover.
type RolloverOption func(*Rollover)

// WithRolloverInterval overrides the hourly check interval.
func WithRolloverInterval(d time.Duration) RolloverOption {
	return func(r *Rollover) { r.interval = d }
}

// WithRolloverClock injects the time source.
func WithRolloverClock(nowFn func() time.Time) RolloverOption {
	return func(r *Rollover) { r.nowFn = nowFn }
}

// NewRollover creates the cycle-rollover task for the given dedup set.
func NewRollover(dedup *DedupSet, opts ...RolloverOption) *Rollover {
	r := &Rollover{
		dedup:    dedup,
		interval: defaultRolloverInterval,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run checks for a month boundary on every tick until ctx is cancelled.
func (r *Rollover) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	current := quota.MonthStart(r.nowFn())
	slog.Info("[Rollover] Billing-cycle rollover task started",
		"interval", r.interval,
		"cycle_start", current)

	for {
		select {
		case <-ticker.C:
			next := quota.MonthStart(r.nowFn())
			if !next.Equal(current) {
				r.dedup.Reset()
				slog.Info("[Rollover] New billing cycle, cleared notification dedup set",
					"previous_cycle", current,
					"cycle_start", next)
				current = next
			}
		case <-ctx.Done():
			slog.Info("[Rollover] Stopping (context cancelled)")
			return nil
		}
	}
}
