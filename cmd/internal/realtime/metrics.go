package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the sync engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	sends         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	liveSessions  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_total",
			Help:      "Change-feed events handled by sessions, by type and outcome.",
		}, []string{"type", "outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetches_total",
			Help:      "Bulk snapshot fetch attempts, by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of bulk snapshot fetch attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Outgoing writes, by operation and outcome.",
		}, []string{"op", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "session_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"state"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "live_sessions",
			Help:      "Sessions currently in the Live state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.fetches, m.fetchDuration, m.sends, m.transitions, m.liveSessions)
	}
	return m
}

func (m *Metrics) event(typ EventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ.String(), outcome).Inc()
}

func (m *Metrics) fetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) send(op, outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	switch {
	case to == StateLive && from != StateLive:
		m.liveSessions.Inc()
	case from == StateLive && to != StateLive:
		m.liveSessions.Dec()
	}
}

func errorOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsForbidden(err):
		return "forbidden"
	case IsTransient(err):
		return "transient"
	case IsInvalid(err):
		return "invalid"
	case IsUnauthorized(err):
		return "unauthorized"
	default:
		return "error"
	}
}
