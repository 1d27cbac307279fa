package subscriptions

import (
	"context"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Repository defines the interface for subscription storage.
type Repository interface {
	GetActive(ctx context.Context, userID, channelID int64) (*domain.Subscription, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Subscription, error)
	ListActive(ctx context.Context, channelID int64, limit int) ([]domain.Subscription, error)
	CountByStatus(ctx context.Context, channelID int64) (map[domain.SubscriptionStatus]int, error)

	// UpsertActive extends the active row or inserts a new one in a single statement.
	UpsertActive(ctx context.Context, params UpsertParams) (*domain.Subscription, error)
	// Revoke returns nil without error when there is no active row.
	Revoke(ctx context.Context, userID, channelID int64, reason string, at time.Time) (*domain.Subscription, error)
	// MarkExpired expires up to limit active rows with end_at < now and returns them.
	MarkExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)

	LatestAccess(ctx context.Context, subscriptionID int64) (*domain.SubscriptionAccess, error)

	// Transaction support
	BeginTx(ctx context.Context) (pgx.Tx, error)
	UpsertActiveTx(ctx context.Context, tx pgx.Tx, params UpsertParams) (*domain.Subscription, error)
	GetActiveForUpdateTx(ctx context.Context, tx pgx.Tx, userID, channelID int64) (*domain.Subscription, error)
	LatestAccessTx(ctx context.Context, tx pgx.Tx, subscriptionID int64) (*domain.SubscriptionAccess, error)
	CreateAccessTx(ctx context.Context, tx pgx.Tx, access *domain.SubscriptionAccess) error
}

// UpsertParams holds the arguments of an extension.
type UpsertParams struct {
	UserID    int64
	ChannelID int64
	StartAt   time.Time
	Period    time.Duration
}
