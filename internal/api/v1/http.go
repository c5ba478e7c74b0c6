package v1

// CreateEventRequest is the ingestion API request body.
type CreateEventRequest struct {
	Tenant  string `json:"tenant" binding:"required"`
	Feature string `json:"feature" binding:"required"`
	Tokens  int64  `json:"tokens" binding:"required,gt=0"`
}

// CreateEventResponse acknowledges an accepted event.
type CreateEventResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId"`
}

// UsageResponse is the current-cycle usage snapshot for one tenant.
// QuotaPercent is rounded for display; the worker compares unrounded values.
type UsageResponse struct {
	Tenant       string  `json:"tenant"`
	TenantName   string  `json:"tenantName"`
	TotalTokens  int64   `json:"totalTokens"`
	MonthlyQuota int64   `json:"monthlyQuota"`
	QuotaPercent float64 `json:"quotaPercent"`
	PeriodStart  string  `json:"periodStart"`
	PeriodEnd    string  `json:"periodEnd"`
}
