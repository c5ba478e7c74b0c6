package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate indicates a record with the same key already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// Tenant is the billing principal. MonthlyQuota is the token budget per
// calendar-month cycle; BillingDay is stored for future cycle anchoring but
// the pipeline measures against the calendar month.
type Tenant struct {
	ID           string
	Name         string
	MonthlyQuota int64
	BillingDay   int
	CreatedAt    time.Time
}

// Event is one raw token-usage record as persisted by ingestion.
type Event struct {
	ID        string
	TenantID  string
	Feature   string
	Tokens    int64
	CreatedAt time.Time
}

// Webhook is a tenant's outbound notification endpoint. Read-only to the
// processing pipeline.
type Webhook struct {
	TenantID  string
	URL       string
	Enabled   bool
	CreatedAt time.Time
}

// Usage is a tenant's current-cycle aggregate.
type Usage struct {
	TotalTokens  int64
	MonthlyQuota int64
}

// TenantStore resolves and creates tenant records.
type TenantStore interface {
	// GetTenant fetches a tenant by id. Returns ErrNotFound if absent.
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// GetTenantByName fetches a tenant by its unique name. Returns ErrNotFound if absent.
	GetTenantByName(ctx context.Context, name string) (*Tenant, error)

	// CreateTenant inserts a tenant with the given quota. Returns ErrDuplicate
	// if the name is taken.
	CreateTenant(ctx context.Context, name string, monthlyQuota int64) (*Tenant, error)
}

// EventStore persists raw events.
type EventStore interface {
	SaveEvent(ctx context.Context, event *Event) error
}

// RollupStore is the keyed aggregate (tenant, feature, minute) -> total tokens.
//
// Contract: UpsertRollup is a single atomic, commutative increment. Concurrent
// increments to the same key must not lose updates; this is the one
// correctness-critical shared mutation in the pipeline.
type RollupStore interface {
	// UpsertRollup adds tokens to the bucket, creating it if absent.
	UpsertRollup(ctx context.Context, tenantID, feature string, minute time.Time, tokens int64) error

	// MonthlyUsage sums the tenant's rollups with minute >= periodStart and
	// returns the total alongside the tenant's quota. Returns ErrNotFound for
	// unknown tenants; a tenant with no rollups yet yields a zero total.
	MonthlyUsage(ctx context.Context, tenantID string, periodStart time.Time) (Usage, error)
}

// WebhookStore reads notification endpoints.
type WebhookStore interface {
	// GetWebhook fetches the tenant's enabled webhook.
	// Returns ErrNotFound when none exists or the webhook is disabled.
	GetWebhook(ctx context.Context, tenantID string) (*Webhook, error)
}
