package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the pipeline reports into.
// Each Metrics value owns its registry, so tests can create as many as
// they need without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted      prometheus.Counter
	JobsCompleted      prometheus.Counter
	JobsFailed         *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "extraction_jobs_submitted_total",
			Help: "Total number of extraction jobs accepted for processing",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "extraction_jobs_completed_total",
			Help: "Total number of extraction jobs that reached completed",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_jobs_failed_total",
			Help: "Total number of extraction jobs that reached failed, by error kind",
		}, []string{"kind"}),
		ExtractionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "extraction_duration_seconds",
			Help:    "Wall time from claim to completed for successful jobs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

// Handler returns an HTTP handler serving this registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
