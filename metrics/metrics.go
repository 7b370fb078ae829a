// ABOUTME: Prometheus instrumentation for provider calls, token refreshes, webhooks and batches
// ABOUTME: Methods are nil-safe so components work without a registry
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harperreed/contactsync/syncerr"
)

// Metric names.
const (
	MetricProviderRequestsTotal   = "contactsync_provider_requests_total"
	MetricProviderRequestDuration = "contactsync_provider_request_duration_seconds"
	MetricTokenRefreshesTotal     = "contactsync_token_refreshes_total"
	MetricTagChangesTotal         = "contactsync_tag_changes_total"
	MetricWebhookEventsTotal      = "contactsync_webhook_events_total"
	MetricBatchRecordsTotal       = "contactsync_batch_records_total"
	MetricBatchChunksTotal        = "contactsync_batch_chunks_total"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	tagChanges       *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	batchRecords     *prometheus.CounterVec
	batchChunks      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricProviderRequestsTotal,
			Help: "Provider operations by outcome.",
		}, []string{"provider", "op", "outcome"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricProviderRequestDuration,
			Help:    "Provider operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTokenRefreshesTotal,
			Help: "OAuth token refresh attempts by result.",
		}, []string{"provider", "result"}),
		tagChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTagChangesTotal,
			Help: "Tags added or removed on remote contacts.",
		}, []string{"provider", "direction"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWebhookEventsTotal,
			Help: "Inbound webhook notifications by event type; unresolvable ones are counted as dropped.",
		}, []string{"provider", "event"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBatchRecordsTotal,
			Help: "Batch records by result.",
		}, []string{"job_type", "result"}),
		batchChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBatchChunksTotal,
			Help: "Batch chunks executed.",
		}, []string{"job_type"}),
	}

	m.registry.MustRegister(
		m.providerRequests,
		m.providerDuration,
		m.tokenRefreshes,
		m.tagChanges,
		m.webhookEvents,
		m.batchRecords,
		m.batchChunks,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProviderCall records one adapter operation. The outcome label is "ok"
// or the error kind.
func (m *Metrics) ObserveProviderCall(provider, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = syncerr.KindOf(err).String()
	}
	m.providerRequests.WithLabelValues(provider, op, outcome).Inc()
	m.providerDuration.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}

// TokenRefresh records a refresh attempt.
func (m *Metrics) TokenRefresh(provider string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// TagChanges records tags added or removed.
func (m *Metrics) TagChanges(provider string, added, removed int) {
	if m == nil {
		return
	}
	if added > 0 {
		m.tagChanges.WithLabelValues(provider, "added").Add(float64(added))
	}
	if removed > 0 {
		m.tagChanges.WithLabelValues(provider, "removed").Add(float64(removed))
	}
}

// WebhookEvent records a normalized or dropped notification.
func (m *Metrics) WebhookEvent(provider, event string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, event).Inc()
}

// BatchChunk records one chunk and its per-record results.
func (m *Metrics) BatchChunk(jobType string, processed, requeued, failed int) {
	if m == nil {
		return
	}
	m.batchChunks.WithLabelValues(jobType).Inc()
	m.batchRecords.WithLabelValues(jobType, "processed").Add(float64(processed))
	m.batchRecords.WithLabelValues(jobType, "requeued").Add(float64(requeued))
	m.batchRecords.WithLabelValues(jobType, "failed").Add(float64(failed))
}
