package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery",
		Name:      "frames_total",
		Help:      "Outbound frames accepted by a live socket.",
	})

	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery",
		Name:      "write_failures_total",
		Help:      "Per-socket write failures during fan-out.",
	})

	relayPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery",
		Name:      "relay_publish_failures_total",
		Help:      "Cross-instance relay publishes that failed.",
	})

	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "delivery",
		Name:      "relay_seconds",
		Help:      "Latency between relay publish and local redelivery.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})
)

func init() {
	prometheus.MustRegister(deliveredFrames, deliveryFailures, relayPublishFailures, relayLatency)
}
