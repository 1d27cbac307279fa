package provisioning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handledTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "channelaccess",
		Subsystem: "provisioning",
		Name:      "events_total",
		Help:      "Total payment.succeeded events by result",
	},
	[]string{"result"},
)

func recordHandled(result string) {
	handledTotal.WithLabelValues(result).Inc()
}
