package remote

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics groups the relay's Prometheus collectors. A nil *GatewayMetrics records
// nothing.
type GatewayMetrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	rejects     *prometheus.CounterVec
}

// NewGatewayMetrics creates the collectors and registers them on reg (if non-nil).
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay WebSocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relay envelopes, by direction and type.",
		}, []string{"direction", "type"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "relay",
			Name:      "rejects_total",
			Help:      "Rejected upgrades and requests, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.frames, m.rejects)
	}
	return m
}

func (m *GatewayMetrics) connOpen() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *GatewayMetrics) connClose() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *GatewayMetrics) frame(direction, typ string) {
	if m == nil {
		return
	}
	if typ == "" {
		typ = "unknown"
	}
	m.frames.WithLabelValues(direction, typ).Inc()
}

func (m *GatewayMetrics) reject(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}
