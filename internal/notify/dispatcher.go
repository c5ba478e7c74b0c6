// Package notify delivers the one-per-cycle quota webhook.
//
// State machine per tenant per cycle: NotEligible -> Eligible (usage >=
// threshold) -> Notified. The Notified transition is terminal until the
// rollover task clears the dedup set at the start of the next calendar month.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flagmeter-lab/flagmeter/internal/core/quota"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/flagmeter-lab/flagmeter/internal/metrics"
)

// Notification is the threshold-crossing context handed to the dispatcher.
type Notification struct {
	TenantID     string
	TotalTokens  int64
	MonthlyQuota int64
	QuotaPercent float64
}

// Payload is the webhook request body. Any 2xx response counts as delivered.
type Payload struct {
	Text string `json:"text"`
}

// SleepFunc blocks for d or until ctx is done; returns false when interrupted.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Options tunes delivery behavior. Zero values fall back to defaults.
type Options struct {
	ThresholdPercent float64
	MaxAttempts      int
	RequestTimeout   time.Duration
	Backoff          BackoffFunc
	Sleep            SleepFunc
}

// Dispatcher sends at most one webhook per tenant per billing cycle, with
// bounded retries. Safe for concurrent use by all workers in the process.
type Dispatcher struct {
	tenants   storage.TenantStore
	webhooks  storage.WebhookStore
	dedup     *DedupSet
	client    *http.Client
	threshold float64
	attempts  int
	backoff   BackoffFunc
	sleep     SleepFunc
}

// NewDispatcher creates a dispatcher sharing the process-wide dedup set.
func NewDispatcher(tenants storage.TenantStore, webhooks storage.WebhookStore, dedup *DedupSet, opts Options) *Dispatcher {
	if opts.ThresholdPercent <= 0 {
		opts.ThresholdPercent = 80
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	return &Dispatcher{
		tenants:   tenants,
		webhooks:  webhooks,
		dedup:     dedup,
		client:    &http.Client{Timeout: opts.RequestTimeout},
		threshold: opts.ThresholdPercent,
		attempts:  opts.MaxAttempts,
		backoff:   opts.Backoff,
		sleep:     opts.Sleep,
	}
}

// Notify delivers the quota alert for one tenant unless it was already
// notified this cycle. Delivery failure never propagates to the caller:
// usage accounting must not depend on notification success.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	// Defensive re-check; the processor already compared against the threshold.
	if n.QuotaPercent < d.threshold {
		return
	}

	if !d.dedup.Begin(n.TenantID) {
		slog.Debug("[Notify] Tenant already notified or in flight this cycle", "tenant_id", n.TenantID)
		return
	}

	delivered := d.run(ctx, n)
	if delivered {
		d.dedup.Commit(n.TenantID)
	} else {
		// Leave the tenant eligible so a later threshold crossing can retry.
		d.dedup.Abort(n.TenantID)
	}
}

func (d *Dispatcher) run(ctx context.Context, n Notification) bool {
	tenant, err := d.tenants.GetTenant(ctx, n.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("[Notify] Tenant not found for webhook notification", "tenant_id", n.TenantID)
		return false
	}
	if err != nil {
		slog.Error("[Notify] Failed to load tenant", "tenant_id", n.TenantID, "error", err)
		return false
	}

	webhook, err := d.webhooks.GetWebhook(ctx, n.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Info("[Notify] No enabled webhook for tenant",
			"tenant_id", n.TenantID,
			"tenant_name", tenant.Name)
		return false
	}
	if err != nil {
		slog.Error("[Notify] Failed to load webhook config", "tenant_id", n.TenantID, "error", err)
		return false
	}

	body, err := json.Marshal(Payload{
		Text: fmt.Sprintf("FlagMeter: tenant '%s' has hit %.0f%% of %d tokens this month.",
			tenant.Name,
			quota.RoundPercent(n.QuotaPercent, 0),
			n.MonthlyQuota),
	})
	if err != nil {
		slog.Error("[Notify] Failed to marshal payload", "tenant_id", n.TenantID, "error", err)
		return false
	}

	for attempt := 1; attempt <= d.attempts; attempt++ {
		err := d.deliver(ctx, webhook.URL, body)
		if err == nil {
			slog.Info("[Notify] Webhook notification sent",
				"tenant_id", n.TenantID,
				"tenant_name", tenant.Name,
				"quota_percent", fmt.Sprintf("%.2f", n.QuotaPercent),
				"attempt", attempt)
			metrics.NotificationsSent.Inc()
			return true
		}

		slog.Warn("[Notify] Webhook delivery failed",
			"tenant_id", n.TenantID,
			"attempt", attempt,
			"max_attempts", d.attempts,
			"error", err)

		if attempt < d.attempts {
			if !d.sleep(ctx, d.backoff(attempt)) {
				slog.Info("[Notify] Delivery aborted by shutdown", "tenant_id", n.TenantID)
				return false
			}
		}
	}

	slog.Error("[Notify] Failed to send webhook after all retries",
		"tenant_id", n.TenantID,
		"tenant_name", tenant.Name)
	metrics.NotificationsFailed.Inc()
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
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
