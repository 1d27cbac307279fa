package payments

import (
	"github.com/bissquit/channel-access/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "channelaccess"

var (
	createdTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "created_total",
			Help:      "Payments created by provider and result",
		},
		[]string{"provider", "result"},
	)

	confirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "confirmations_total",
			Help:      "Payment confirmations by provider, source and outcome",
		},
		[]string{"provider", "source", "outcome"},
	)

	publishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "publish_failures_total",
			Help:      "Settled payments whose event could not be published",
		},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "reconcile_total",
			Help:      "Payments handled by reconciliation, by result",
		},
		[]string{"result"},
	)
)

// Confirmation sources.
const (
	sourceCallback  = "callback"
	sourceWebhook   = "webhook"
	sourceReconcile = "reconcile"
)

func recordCreated(provider domain.PaymentProvider, result string) {
	createdTotal.WithLabelValues(string(provider), result).Inc()
}

func recordConfirmation(provider domain.PaymentProvider, source, outcome string) {
	confirmationsTotal.WithLabelValues(string(provider), source, outcome).Inc()
}

// outcomeLabel maps a confirmation result to a metric label.
func outcomeLabel(outcome Outcome, err error) string {
	switch {
	case err == nil:
		return string(outcome)
	case IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}
