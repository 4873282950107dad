// Package metrics defines the Prometheus collectors for webhook processing and exposes a scrape handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbuddy"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WebhookDeliveries   *prometheus.CounterVec
	WebhookReplays      prometheus.Counter
	LedgerRows          *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	DegradedStages      *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry, alongside Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Tracking webhook deliveries by event and outcome.",
			},
			[]string{"event", "outcome"},
		),
		WebhookReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_replays_total",
				Help:      "Deliveries whose idempotency key was already recorded.",
			},
		),
		LedgerRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engagement_ledger_rows_total",
				Help:      "Engagement ledger entries by result (inserted, duplicate, skipped).",
			},
			[]string{"result"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_created_total",
				Help:      "Notifications created by kind.",
			},
			[]string{"kind"},
		),
		DegradedStages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_degraded_stages_total",
				Help:      "Best-effort webhook stages that failed without failing the delivery.",
			},
			[]string{"stage"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookDeliveries,
		m.WebhookReplays,
		m.LedgerRows,
		m.NotificationsTotal,
		m.DegradedStages,
	)
	return m
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveLedger adds one ledger batch outcome.
func (m *Metrics) ObserveLedger(inserted, duplicates, skipped int) {
	m.LedgerRows.WithLabelValues("inserted").Add(float64(inserted))
	m.LedgerRows.WithLabelValues("duplicate").Add(float64(duplicates))
	m.LedgerRows.WithLabelValues("skipped").Add(float64(skipped))
}
