package ingestion

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	v1 "github.com/flagmeter-lab/flagmeter/internal/api/v1"
	httperr "github.com/flagmeter-lab/flagmeter/internal/core/errors"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/flagmeter-lab/flagmeter/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateEventHandler handles HTTP POST requests for usage events.
func (s *Service) CreateEventHandler(c *gin.Context) {
	var req v1.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Invalid event request", "error", err)
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()

	tenant, err := s.tenants.GetTenantByName(ctx, req.Tenant)
	if errors.Is(err, storage.ErrNotFound) {
		tenant, err = s.tenants.CreateTenant(ctx, req.Tenant, s.defaultQuota)
		if errors.Is(err, storage.ErrDuplicate) {
			// Another request created it between lookup and insert.
			tenant, err = s.tenants.GetTenantByName(ctx, req.Tenant)
		} else if err == nil {
			slog.Info("Created new tenant",
				"tenant_id", tenant.ID,
				"tenant_name", tenant.Name,
				"monthly_quota", tenant.MonthlyQuota)
		}
	}
	if err != nil {
		slog.Error("Failed to resolve tenant", "tenant_name", req.Tenant, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to resolve tenant",
		})
		return
	}

	event := &storage.Event{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Feature:   req.Feature,
		Tokens:    req.Tokens,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.events.SaveEvent(ctx, event); err != nil {
		slog.Error("Failed to persist event", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to persist event",
		})
		return
	}

	job := &v1.Job{
		EventID:   event.ID,
		TenantID:  event.TenantID,
		Feature:   event.Feature,
		Tokens:    event.Tokens,
		CreatedAt: event.CreatedAt,
	}

	if err := s.publisher.Publish(ctx, job); err != nil {
		// The raw event is already persisted; only the async rollup is lost.
		slog.Error("Failed to queue job", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to queue event",
		})
		return
	}

	slog.Info("Event created and queued",
		"event_id", event.ID,
		"tenant_id", tenant.ID,
		"tenant_name", tenant.Name,
		"feature", event.Feature,
		"tokens", event.Tokens)
	metrics.EventsIngested.Inc()

	c.JSON(http.StatusCreated, v1.CreateEventResponse{
		Success: true,
		EventID: event.ID,
	})
}
