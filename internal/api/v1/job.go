package v1

import (
	"fmt"
	"time"
)

// Job is the accounting unit of work carried on the queue.
// It separates identity (EventID, TenantID) from the measurement (Feature, Tokens).
//
// The wire format is a UTF-8 JSON object pushed onto a named Redis list by the
// ingestion API and popped by the worker pool. CreatedAt is serialized as an
// ISO-8601 / RFC 3339 timestamp.
type Job struct {
	// EventID is the unique identifier of the raw event this job accounts for.
	EventID string `json:"eventId"`

	// TenantID identifies the tenant the tokens are billed against.
	TenantID string `json:"tenantId"`

	// Feature is the AI feature that consumed the tokens (e.g. "completion").
	Feature string `json:"feature"`

	// Tokens is the number of tokens consumed. The publisher guarantees > 0.
	Tokens int64 `json:"tokens"`

	// CreatedAt is when the event occurred. It determines the rollup bucket.
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the envelope invariants the publisher is supposed to uphold.
// A job failing validation is dropped by the worker, never requeued.
func (j *Job) Validate() error {
	if j.EventID == "" {
		return fmt.Errorf("job is missing eventId")
	}
	if j.TenantID == "" {
		return fmt.Errorf("job is missing tenantId")
	}
	if j.Feature == "" {
		return fmt.Errorf("job is missing feature")
	}
	if j.Tokens <= 0 {
		return fmt.Errorf("job tokens must be positive, got %d", j.Tokens)
	}
	if j.CreatedAt.IsZero() {
		return fmt.Errorf("job is missing createdAt")
	}
	return nil
}

// MinuteBucket truncates CreatedAt to the rollup bucket boundary.
// Example: 10:15:47Z and 10:15:59Z share the 10:15:00Z bucket; 10:16:00Z does not.
func (j *Job) MinuteBucket() time.Time {
	return j.CreatedAt.UTC().Truncate(time.Minute)
}
