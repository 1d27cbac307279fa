package subscriptions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "channelaccess"

var (
	grantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "grants_total",
			Help:      "Subscription grants and extensions by source",
		},
		[]string{"source"},
	)

	expiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "expired_total",
			Help:      "Subscriptions moved to expired by the sweep",
		},
	)

	revokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "revoked_total",
			Help:      "Subscriptions revoked by an administrator",
		},
	)

	invitesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "invites_total",
			Help:      "Invite link requests by result",
		},
		[]string{"result"},
	)
)

func recordGrant(source string) {
	grantsTotal.WithLabelValues(source).Inc()
}

func recordInvite(result string) {
	invitesTotal.WithLabelValues(result).Inc()
}
