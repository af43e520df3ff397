package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the relay's prometheus collectors, kept on a private registry
// so several relays can live in one test binary.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	appended    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabdraw",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open peer connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabdraw",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received from peers, by type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabdraw",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Frames or operations refused, by reason.",
		}, []string{"reason"}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabdraw",
			Subsystem: "relay",
			Name:      "history_appends_total",
			Help:      "Operations newly written to history.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.frames,
		m.rejected,
		m.appended,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
