package metrics

import (
	"github.com/bissquit/channel-access/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics copies pgxpool statistics into the pool gauges.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
	DBPoolAcquireWaitSeconds.Set(stats.AcquireDuration().Seconds())
}

var subscriptionStatuses = []domain.SubscriptionStatus{
	domain.SubscriptionStatusActive,
	domain.SubscriptionStatusExpired,
	domain.SubscriptionStatusRevoked,
}

// RecordSubscriptionCounts sets the subscription gauge for every status,
// zeroing the ones missing from counts.
func RecordSubscriptionCounts(counts map[domain.SubscriptionStatus]int) {
	for _, status := range subscriptionStatuses {
		Subscriptions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
