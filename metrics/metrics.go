// Package metrics exposes the broker's operational counters and gauges (C11)
// as a Prometheus registry, served over HTTP with promhttp the same way the
// rest of the ecosystem does it rather than hand-rolling a /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftmq/riftmq/wire"
)

// Metrics holds every broker-level Prometheus collector and the accessor
// methods the broker calls from its connection and dispatch paths.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsActive   prometheus.Gauge
	disconnects         *prometheus.CounterVec
	publishesRouted     *prometheus.CounterVec
	malformedPackets    prometheus.Counter
	retainedMessages    prometheus.Gauge
	sessionsActive      prometheus.Gauge
}

// New constructs a Metrics instance and registers every collector with a
// fresh registry, so tests can build one without colliding with the default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riftmq", Subsystem: "connections", Name: "accepted_total",
			Help: "TCP connections accepted by the listener.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riftmq", Subsystem: "connections", Name: "rejected_total",
			Help: "TCP connections the reactor pool refused to run (refusals at the listener's max-connections limit are not counted here).",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riftmq", Subsystem: "connections", Name: "active",
			Help: "Connections handed to the reactor pool and not yet closed, including those still in the CONNECT handshake.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riftmq", Subsystem: "connections", Name: "disconnects_total",
			Help: "Connection teardowns, labeled by reason.",
		}, []string{"reason"}),
		publishesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riftmq", Subsystem: "publish", Name: "routed_total",
			Help: "PUBLISH packets routed to zero or more subscribers, labeled by QoS.",
		}, []string{"qos"}),
		malformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riftmq", Subsystem: "protocol", Name: "malformed_packets_total",
			Help: "Connections closed due to a malformed or protocol-violating packet.",
		}),
		retainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riftmq", Subsystem: "retained", Name: "messages",
			Help: "Retained messages currently held by the broker.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riftmq", Subsystem: "sessions", Name: "active",
			Help: "Sessions currently bound to a live connection.",
		}),
	}

	reg.MustRegister(
		m.connectionsAccepted,
		m.connectionsRejected,
		m.connectionsActive,
		m.disconnects,
		m.publishesRouted,
		m.malformedPackets,
		m.retainedMessages,
		m.sessionsActive,
	)
	return m
}

// Handler returns the HTTP handler to mount at the broker's metrics address.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OnConnectionAccepted() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) OnConnectionRejected() {
	m.connectionsRejected.Inc()
}

func (m *Metrics) OnDisconnect(reason string) {
	m.connectionsActive.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) OnMalformedPacket() {
	m.malformedPackets.Inc()
}

func (m *Metrics) OnPublishRouted(qos wire.QoS) {
	m.publishesRouted.WithLabelValues(qos.String()).Inc()
}

func (m *Metrics) SetRetainedCount(n float64) {
	m.retainedMessages.Set(n)
}

func (m *Metrics) SetActiveSessions(n float64) {
	m.sessionsActive.Set(n)
}
