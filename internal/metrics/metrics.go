// Package metrics holds the Prometheus collectors exported by the debug tunnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nsdebug"

// Metrics groups the tunnel collectors. All methods are safe on a nil receiver,
// so components can run without metrics.
type Metrics struct {
	ActiveProxies     *prometheus.GaugeVec
	Connections       *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec
	Frames            *prometheus.CounterVec
	AttachOutcomes    *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg (when non-nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveProxies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Number of registered proxy servers by kind.",
		}, []string{"kind"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frontend_connections_total",
			Help:      "Front-end connections accepted by kind.",
		}, []string{"kind"}),
		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_socket_errors_total",
			Help:      "Failures acquiring or releasing a device debug socket by kind.",
		}, []string{"kind"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Framed messages relayed by direction.",
		}, []string{"direction"}),
		AttachOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_outcomes_total",
			Help:      "Attach and launch negotiation results.",
		}, []string{"outcome"}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_handshake_seconds",
			Help:      "Time from handshake start to wired pipe for text-tunnel clients.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveProxies,
			m.Connections,
			m.ConnectionErrors,
			m.Frames,
			m.AttachOutcomes,
			m.HandshakeDuration,
		)
	}
	return m
}

func (m *Metrics) ProxyAdded(kind string) {
	if m != nil {
		m.ActiveProxies.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ProxyRemoved(kind string) {
	if m != nil {
		m.ActiveProxies.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) ConnectionAccepted(kind string) {
	if m != nil {
		m.Connections.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DeviceSocketError(kind string) {
	if m != nil {
		m.ConnectionErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameRelayed(direction string) {
	if m != nil {
		m.Frames.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) AttachOutcome(outcome string) {
	if m != nil {
		m.AttachOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveHandshake(seconds float64) {
	if m != nil {
		m.HandshakeDuration.Observe(seconds)
	}
}
