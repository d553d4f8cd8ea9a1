package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for khappy_relay_requests_total.
const (
	outcomeOK             = "ok"
	outcomeBadRequest     = "bad_request"
	outcomeThrottled      = "throttled"
	outcomeRateLimited    = "rate_limited"
	outcomeQuotaExhausted = "quota_exhausted"
	outcomeUpstreamError  = "upstream_error"
	outcomeStreamError    = "stream_error"
)

// Metrics holds the relay collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	active   prometheus.Gauge
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khappy_relay_requests_total",
				Help: "AI relay requests by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "khappy_relay_active_streams",
			Help: "Upstream requests currently in flight.",
		}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "khappy_relay_request_duration_seconds",
				Help:    "Time from request to the end of the relayed response.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
	}
	m.Registry.MustRegister(
		m.requests,
		m.active,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(mode, outcome string, seconds float64) {
	m.requests.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(seconds)
}
