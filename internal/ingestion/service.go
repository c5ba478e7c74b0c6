// Package ingestion is the HTTP entry point: it validates a usage event,
// resolves (or creates) the tenant, persists the raw event and publishes the
// accounting job. The asynchronous pipeline takes over from there.
package ingestion

import (
	"context"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/gin-gonic/gin"
)

// Publisher appends accounting jobs to the queue.
type Publisher interface {
	Publish(ctx context.Context, job *v1.Job) error
}

type Service struct {
	tenants      storage.TenantStore
	events       storage.EventStore
	publisher    Publisher
	defaultQuota int64
}

func NewService(tenants storage.TenantStore, events storage.EventStore, publisher Publisher, defaultQuota int64) *Service {
	if tenants == nil {
		panic("ingestion: tenant store must not be nil")
	}
	if events == nil {
		panic("ingestion: event store must not be nil")
	}
	if publisher == nil {
		panic("ingestion: publisher must not be nil")
	}
	if defaultQuota <= 0 {
		defaultQuota = 1_000_000_000
	}
	return &Service{
		tenants:      tenants,
		events:       events,
		publisher:    publisher,
		defaultQuota: defaultQuota,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/events", s.CreateEventHandler)
}
