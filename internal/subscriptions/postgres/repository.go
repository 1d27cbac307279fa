// Package postgres provides PostgreSQL implementation of the subscriptions repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/bissquit/channel-access/internal/subscriptions"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, user_id, channel_id, start_at, end_at, status, revoked_at, revoked_reason, created_at, updated_at`

const accessColumns = `id, subscription_id, invite_link, expire_at, member_limit, created_at, used_at`

// Repository implements the subscriptions.Repository interface using PostgreSQL.
type Repository struct {
	db postgres.DB
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// GetActive returns the active subscription of the user in the channel.
func (r *Repository) GetActive(ctx context.Context, userID, channelID int64) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND channel_id = $2 AND status = 'active'
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscriptions.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	return sub, nil
}

// GetActiveForUpdateTx locks the active subscription row until tx ends.
func (r *Repository) GetActiveForUpdateTx(ctx context.Context, tx pgx.Tx, userID, channelID int64) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND channel_id = $2 AND status = 'active'
		FOR UPDATE
	`
	sub, err := scanSubscription(tx.QueryRow(ctx, query, userID, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscriptions.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("lock active subscription: %w", err)
	}
	return sub, nil
}

// ListByUser returns all subscriptions of the user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	return r.querySubscriptions(ctx, r.db, query, userID)
}

// ListActive returns active subscriptions of the channel, soonest to expire first.
func (r *Repository) ListActive(ctx context.Context, channelID int64, limit int) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE channel_id = $1 AND status = 'active'
		ORDER BY end_at, id
		LIMIT $2
	`
	return r.querySubscriptions(ctx, r.db, query, channelID, limit)
}

// CountByStatus returns the number of subscriptions per status.
func (r *Repository) CountByStatus(ctx context.Context, channelID int64) (map[domain.SubscriptionStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM subscriptions
		WHERE channel_id = $1
		GROUP BY status
	`
	rows, err := r.db.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := map[domain.SubscriptionStatus]int{
		domain.SubscriptionStatusActive:  0,
		domain.SubscriptionStatusExpired: 0,
		domain.SubscriptionStatusRevoked: 0,
	}
	for rows.Next() {
		var status domain.SubscriptionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan subscription count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription counts: %w", err)
	}
	return counts, nil
}

// upsertQuery extends the active row or inserts a new one. The row lock taken
// by ON CONFLICT serializes concurrent extensions of the same subscription.
const upsertQuery = `
	INSERT INTO subscriptions (user_id, channel_id, start_at, end_at, status)
	VALUES ($1, $2, $3, $3 + make_interval(secs => $4::double precision), 'active')
	ON CONFLICT (user_id, channel_id) WHERE status = 'active'
	DO UPDATE SET
		end_at = GREATEST(subscriptions.end_at, EXCLUDED.start_at) + make_interval(secs => $4::double precision),
		updated_at = NOW()
	RETURNING ` + subscriptionColumns

// UpsertActive extends or creates the active subscription.
func (r *Repository) UpsertActive(ctx context.Context, params subscriptions.UpsertParams) (*domain.Subscription, error) {
	return r.upsertActive(ctx, r.db, params)
}

// UpsertActiveTx extends or creates the active subscription within a transaction.
func (r *Repository) UpsertActiveTx(ctx context.Context, tx pgx.Tx, params subscriptions.UpsertParams) (*domain.Subscription, error) {
	return r.upsertActive(ctx, tx, params)
}

func (r *Repository) upsertActive(ctx context.Context, q postgres.DB, params subscriptions.UpsertParams) (*domain.Subscription, error) {
	sub, err := scanSubscription(q.QueryRow(ctx, upsertQuery,
		params.UserID,
		params.ChannelID,
		params.StartAt,
		params.Period.Seconds(),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert active subscription: %w", err)
	}
	return sub, nil
}

// Revoke moves the active subscription to revoked.
func (r *Repository) Revoke(ctx context.Context, userID, channelID int64, reason string, at time.Time) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'revoked', revoked_at = $3, revoked_reason = NULLIF($4, ''), updated_at = NOW()
		WHERE user_id = $1 AND channel_id = $2 AND status = 'active'
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID, channelID, at, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("revoke subscription: %w", err)
	}
	return sub, nil
}

// MarkExpired expires a batch of overdue subscriptions. SKIP LOCKED lets parallel
// sweepers take disjoint batches.
func (r *Repository) MarkExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM subscriptions
			WHERE status = 'active' AND end_at < $1
			ORDER BY end_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + subscriptionColumns
	return r.querySubscriptions(ctx, r.db, query, now, limit)
}

// LatestAccess returns the most recent invite of the subscription.
func (r *Repository) LatestAccess(ctx context.Context, subscriptionID int64) (*domain.SubscriptionAccess, error) {
	return r.latestAccess(ctx, r.db, subscriptionID)
}

// LatestAccessTx returns the most recent invite of the subscription within a transaction.
func (r *Repository) LatestAccessTx(ctx context.Context, tx pgx.Tx, subscriptionID int64) (*domain.SubscriptionAccess, error) {
	return r.latestAccess(ctx, tx, subscriptionID)
}

func (r *Repository) latestAccess(ctx context.Context, q postgres.DB, subscriptionID int64) (*domain.SubscriptionAccess, error) {
	query := `
		SELECT ` + accessColumns + `
		FROM subscription_access
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	var a domain.SubscriptionAccess
	err := q.QueryRow(ctx, query, subscriptionID).Scan(
		&a.ID,
		&a.SubscriptionID,
		&a.InviteLink,
		&a.ExpireAt,
		&a.MemberLimit,
		&a.CreatedAt,
		&a.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscriptions.ErrAccessNotFound
		}
		return nil, fmt.Errorf("get latest access: %w", err)
	}
	return &a, nil
}

// CreateAccessTx records an issued invite within a transaction.
func (r *Repository) CreateAccessTx(ctx context.Context, tx pgx.Tx, access *domain.SubscriptionAccess) error {
	query := `
		INSERT INTO subscription_access (subscription_id, invite_link, expire_at, member_limit, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		access.SubscriptionID,
		access.InviteLink,
		access.ExpireAt,
		access.MemberLimit,
		access.CreatedAt,
	).Scan(&access.ID)
	if err != nil {
		return fmt.Errorf("create subscription access: %w", err)
	}
	return nil
}

// BeginTx starts a new transaction.
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

func (r *Repository) querySubscriptions(ctx context.Context, q postgres.DB, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return result, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ChannelID,
		&s.StartAt,
		&s.EndAt,
		&s.Status,
		&s.RevokedAt,
		&s.RevokedReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
