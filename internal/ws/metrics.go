package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	hubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "connections",
		Help:      "Live WebSocket connections in the registry.",
	})

	hubUsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "users_online",
		Help:      "Distinct users with at least one live connection.",
	})

	hubFramesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "frames_in_total",
		Help:      "Inbound frames read across all connections.",
	})

	hubHandshakeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "handshake_rejected_total",
		Help:      "Upgrade attempts rejected by the auth gate.",
	})

	hubHeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "heartbeat_evictions_total",
		Help:      "Connections evicted after an unanswered heartbeat ping.",
	})

	hubUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hub",
		Name:      "upgrade_seconds",
		Help:      "Latency from upgrade request to attached read loop.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(hubConnections, hubUsersOnline, hubFramesIn, hubHandshakeRejected, hubHeartbeatEvictions, hubUpgradeLatency)
}

var tracer = otel.Tracer("github.com/example/chat-hub/ws")
