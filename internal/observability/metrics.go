package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Turns          *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	UpstreamErrors *prometheus.CounterVec
	ArchiveErrors  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg instead of the default
// registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held in memory.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome.",
		}, []string{"outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Latency of turn pipeline stages in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"stage"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream call failures by stage and reason.",
		}, []string{"stage", "reason"}),
		ArchiveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Turns that could not be written to the transcript archive.",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurn(outcome string) {
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUpstreamError(stage, reason string) {
	m.UpstreamErrors.WithLabelValues(stage, reason).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
