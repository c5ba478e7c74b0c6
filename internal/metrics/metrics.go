// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_events_ingested_total",
		Help: "Events accepted by the ingestion API and queued for processing.",
	})

	JobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_jobs_processed_total",
		Help: "Jobs successfully applied to the rollup store.",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_jobs_failed_total",
		Help: "Jobs dropped after a processing failure.",
	})

	JobsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_jobs_malformed_total",
		Help: "Queue entries skipped because they could not be decoded.",
	})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_notifications_sent_total",
		Help: "Quota webhooks delivered successfully.",
	})

	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagmeter_notifications_failed_total",
		Help: "Quota webhooks that exhausted all delivery attempts.",
	})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flagmeter_http_request_duration_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// GinMiddleware records request latency per route. Registered routes are used
// as the label (not raw paths) to keep cardinality bounded.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
