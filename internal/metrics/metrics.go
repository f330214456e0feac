// Package metrics holds the prometheus collectors for sale submission, the
// offline sync loop, live mirrors and the device API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"dukaan/backend/internal/domain"
)

const namespace = "dukaan"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	SalesSubmitted        *prometheus.CounterVec
	SalesSynced           prometheus.Counter
	SalesRejected         prometheus.Counter
	QueueCorruptions      prometheus.Counter
	SyncRuns              *prometheus.CounterVec
	PendingSales          prometheus.Gauge
	MirrorEvents          *prometheus.CounterVec
	MirrorInconsistencies *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SalesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_submitted_total",
			Help:      "Sales submitted at the till, by outcome (committed or queued).",
		}, []string{"status"}),
		SalesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_sales_synced_total",
			Help:      "Queued sales replayed to the remote store.",
		}),
		SalesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_sales_rejected_total",
			Help:      "Queued sales moved to the rejected list after failing validation.",
		}),
		QueueCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_corrupt_entries_total",
			Help:      "Unreadable offline queue entries seen during sync runs.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by result.",
		}, []string{"result"}),
		PendingSales: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_sales_pending",
			Help:      "Sales waiting in the offline queue.",
		}),
		MirrorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_events_applied_total",
			Help:      "Change events applied to live mirrors.",
		}, []string{"table", "type"}),
		MirrorInconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_inconsistencies_total",
			Help:      "Change events that referenced rows missing from the mirror.",
		}, []string{"table"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Device API requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Device API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SalesSubmitted,
			m.SalesSynced,
			m.SalesRejected,
			m.QueueCorruptions,
			m.SyncRuns,
			m.PendingSales,
			m.MirrorEvents,
			m.MirrorInconsistencies,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
	}
	return m
}

func (m *Metrics) SaleSubmitted(status string) {
	if m == nil {
		return
	}
	m.SalesSubmitted.WithLabelValues(status).Inc()
}

func (m *Metrics) SyncFinished(summary domain.SyncSummary, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case summary.Skipped:
		result = "skipped"
	case summary.Offline:
		result = "offline"
	case err != nil:
		result = "error"
	}
	m.SyncRuns.WithLabelValues(result).Inc()
	m.SalesSynced.Add(float64(summary.Synced))
	m.SalesRejected.Add(float64(summary.Rejected))
	m.QueueCorruptions.Add(float64(summary.Corrupt))
	if !summary.Skipped && !summary.Offline {
		m.PendingSales.Set(float64(summary.Remaining))
	}
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingSales.Set(float64(n))
}

func (m *Metrics) MirrorEventApplied(table string, typ domain.EventType) {
	if m == nil {
		return
	}
	m.MirrorEvents.WithLabelValues(table, string(typ)).Inc()
}

func (m *Metrics) MirrorInconsistency(table string) {
	if m == nil {
		return
	}
	m.MirrorInconsistencies.WithLabelValues(table).Inc()
}

func (m *Metrics) ObserveRequest(method string, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
