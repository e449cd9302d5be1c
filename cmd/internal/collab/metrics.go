package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus instruments. A nil *Metrics is
// valid and records nothing, so tests can skip registration entirely.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge

	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	OperationsApplied prometheus.Counter
	ChatMessages      prometheus.Counter
	AuthFailures      prometheus.Counter
	IdleDisconnects   prometheus.Counter
}

// NewMetrics constructs and registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "connections_active",
			Help:      "Currently registered websocket connections.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "sessions_active",
			Help:      "Session hub channels with at least one subscriber.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "events_published_total",
			Help:      "Events published to session channels.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		OperationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "operations_applied_total",
			Help:      "Edit operations persisted and republished.",
		}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "chat_messages_total",
			Help:      "Chat messages persisted and republished.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "auth_failures_total",
			Help:      "Rejected authenticate frames.",
		}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texler",
			Subsystem: "collab",
			Name:      "idle_disconnects_total",
			Help:      "Connections reaped by the liveness monitor.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.SessionsActive,
			m.EventsPublished,
			m.EventsDropped,
			m.OperationsApplied,
			m.ChatMessages,
			m.AuthFailures,
			m.IdleDisconnects,
		)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) eventPublished() {
	if m != nil {
		m.EventsPublished.Inc()
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) operationApplied() {
	if m != nil {
		m.OperationsApplied.Inc()
	}
}

func (m *Metrics) chatMessage() {
	if m != nil {
		m.ChatMessages.Inc()
	}
}

func (m *Metrics) authFailure() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

func (m *Metrics) idleDisconnect() {
	if m != nil {
		m.IdleDisconnects.Inc()
	}
}
