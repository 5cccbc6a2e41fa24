// Package metrics exposes the server's operational counters in Prometheus
// format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server registers.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal  *prometheus.CounterVec
	commandSeconds *prometheus.HistogramVec
	evictionsTotal prometheus.Counter
	visionTotal    *prometheus.CounterVec
}

// New builds a registry with process/go collectors, live-entity gauges fed
// by counts, and the command counters.
func New(counts func() (sessions, pages int)) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "browserd_sessions_live",
		Help: "Number of live browser sessions.",
	}, func() float64 {
		s, _ := counts()
		return float64(s)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "browserd_pages_live",
		Help: "Number of live pages across all sessions.",
	}, func() float64 {
		_, p := counts()
		return float64(p)
	}))

	m := &Metrics{
		registry: reg,
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_commands_total",
			Help: "Dispatched commands by name and outcome.",
		}, []string{"command", "outcome"}),
		commandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserd_command_duration_seconds",
			Help:    "Command execution time by name.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_session_evictions_total",
			Help: "Sessions removed by the idle sweeper.",
		}),
		visionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_vision_requests_total",
			Help: "Vision model calls by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.commandsTotal, m.commandSeconds, m.evictionsTotal, m.visionTotal)
	return m
}

// ObserveCommand matches the dispatcher's Observe hook signature.
func (m *Metrics) ObserveCommand(command, outcome string, elapsed time.Duration) {
	m.commandsTotal.WithLabelValues(command, outcome).Inc()
	if elapsed > 0 {
		m.commandSeconds.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

// SessionEvicted counts one idle eviction.
func (m *Metrics) SessionEvicted() {
	m.evictionsTotal.Inc()
}

// VisionCall counts one model round trip with its outcome.
func (m *Metrics) VisionCall(outcome string) {
	m.visionTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
