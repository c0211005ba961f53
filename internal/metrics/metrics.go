package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "noisewatch"

// Metrics holds the Prometheus collectors for the reporting service.
type Metrics struct {
	ReportsCreated  prometheus.Counter
	ReportsRejected *prometheus.CounterVec // labels: reason
	ReportDecibels  prometheus.Histogram
	PublishErrors   prometheus.Counter

	HTTPRequests        *prometheus.CounterVec   // labels: route, status
	HTTPRequestDuration *prometheus.HistogramVec // labels: route

	HeatmapRenderDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		ReportsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_created_total",
			Help:      "Reports accepted and stored.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_rejected_total",
			Help:      "Reports rejected before storage, by error code.",
		}, []string{"reason"}),
		ReportDecibels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_decibels",
			Help:      "Stored decibel values.",
			Buckets:   []float64{30, 50, 65, 80, 90, 100, 120, 150, 200},
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Report events that could not be published.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route"}),
		HeatmapRenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heatmap_render_duration_seconds",
			Help:      "Time spent rendering the heatmap image.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReportsCreated,
		m.ReportsRejected,
		m.ReportDecibels,
		m.PublishErrors,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.HeatmapRenderDuration,
	}
}

// NewMetrics creates and registers all collectors with the default registry.
func NewMetrics() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting returns collectors on a fresh registry so tests can
// build as many as they need.
func NewMetricsForTesting() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}
