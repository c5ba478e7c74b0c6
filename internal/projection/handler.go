package projection

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	httperr "github.com/flagmeter-lab/flagmeter/internal/core/errors"
	"github.com/flagmeter-lab/flagmeter/internal/core/storage"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the usage query routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/api/usage/:tenant", s.HandleGetUsage)
}

// HandleGetUsage handles GET /api/usage/:tenant where :tenant is the tenant name.
func (s *Service) HandleGetUsage(c *gin.Context) {
	tenantName := c.Param("tenant")

	resp, err := s.GetUsage(c.Request.Context(), tenantName)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpNotFoundError,
			Message:   fmt.Sprintf("Tenant '%s' not found", tenantName),
		})
		return
	}
	if err != nil {
		slog.Error("Failed to retrieve usage", "tenant_name", tenantName, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to retrieve usage",
		})
		return
	}

	slog.Info("Usage retrieved",
		"tenant_name", tenantName,
		"quota_percent", resp.QuotaPercent)
	c.JSON(http.StatusOK, resp)
}
