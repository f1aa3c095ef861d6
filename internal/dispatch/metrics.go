package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	dispatchFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "frames_total",
		Help:      "Envelopes handled successfully by type.",
	}, []string{"type"})

	dispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "failures_total",
		Help:      "Envelope handling failures by error kind.",
	}, []string{"kind"})

	dispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "handle_seconds",
		Help:      "Handler latency by envelope type.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(dispatchFrames, dispatchFailures, dispatchLatency)
}

var dispatchTracer = otel.Tracer("github.com/example/chat-hub/dispatch")
