// Package metrics exposes ingestion counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pageinsight"

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsRecorded     *prometheus.CounterVec
	EventsDuplicate    prometheus.Counter
	SessionsCreated    prometheus.Counter
	Conversions        *prometheus.CounterVec
	GoalErrors         prometheus.Counter
	SummaryErrors      prometheus.Counter
	IngestErrors       *prometheus.CounterVec
	IngestRetries      prometheus.Counter
	IngestDuration     prometheus.Histogram
	MirrorDropped      prometheus.Counter
	MirrorFlushed      prometheus.Counter
	MirrorFlushFailure prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Events persisted, by event type.",
		}, []string{"event_type"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Redelivered events detected by event id.",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Visit sessions created on first sight.",
		}),
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions recorded, by page slug.",
		}, []string{"page"}),
		GoalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goal_evaluation_errors_total",
			Help:      "Goal evaluations that failed and were skipped.",
		}),
		SummaryErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_update_errors_total",
			Help:      "Session summary updates that failed.",
		}),
		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Rejected ingestion requests, by error kind.",
		}, []string{"kind"}),
		IngestRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_retries_total",
			Help:      "Ingestion attempts retried after a transient store failure.",
		}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end time to process one event.",
			Buckets:   prometheus.DefBuckets,
		}),
		MirrorDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_dropped_total",
			Help:      "Events not mirrored to ClickHouse because the buffer was full.",
		}),
		MirrorFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_flushed_total",
			Help:      "Events written to ClickHouse.",
		}),
		MirrorFlushFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_flush_failures_total",
			Help:      "ClickHouse batch writes that failed or were rejected by the breaker.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
