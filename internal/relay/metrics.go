package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "channelaccess"

var (
	messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total events published by subject and result",
		},
		[]string{"subject", "result"},
	)

	messagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "consumed_total",
			Help:      "Total events consumed by consumer and ack decision",
		},
		[]string{"consumer", "decision"},
	)

	handleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in event handlers",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"consumer"},
	)
)

func recordPublished(subject, result string) {
	messagesPublished.WithLabelValues(subject, result).Inc()
}

func recordConsumed(consumer, decision string, duration time.Duration) {
	messagesConsumed.WithLabelValues(consumer, decision).Inc()
	handleDuration.WithLabelValues(consumer).Observe(duration.Seconds())
}
