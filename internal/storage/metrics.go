package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	storeWriteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatstore",
		Name:      "write_seconds",
		Help:      "Latency of persistence collaborator writes by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"kind"})

	storeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatstore",
		Name:      "transient_retries_total",
		Help:      "Writes retried after a transient Postgres failure.",
	})
)

func init() {
	prometheus.MustRegister(storeWriteLatency, storeRetries)
}

var storeTracer = otel.Tracer("github.com/example/chat-hub/storage")
