package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion pipeline's Prometheus instruments.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	RowsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	QueueDepth    prometheus.Gauge
}

// NewMetrics registers the pipeline instruments on a fresh registry and
// returns them with the matching /metrics handler.
func NewMetrics() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "velocity_jobs_processed_total",
			Help: "Jobs driven to a terminal state, labeled by final status.",
		}, []string{"status"}),
		RowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "velocity_rows_processed_total",
			Help: "Rows processed, labeled by outcome.",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "velocity_job_duration_seconds",
			Help:    "Wall time from claim to finalization per job.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "velocity_queue_depth",
			Help: "Jobs currently queued or processing.",
		}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// JobFinished records a terminal job transition.
func (m *Metrics) JobFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(status).Inc()
	m.JobDuration.Observe(seconds)
}

// RowFinished records one row outcome.
func (m *Metrics) RowFinished(outcome string) {
	if m == nil {
		return
	}
	m.RowsProcessed.WithLabelValues(outcome).Inc()
}
