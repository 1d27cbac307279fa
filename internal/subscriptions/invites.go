package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
)

// InviteInput holds invite request parameters. Zero values fall back to configuration.
type InviteInput struct {
	UserID      int64
	ChannelID   int64
	TTL         time.Duration
	MemberLimit int
	MinInterval time.Duration
}

// Invite is an issued invite link.
type Invite struct {
	Link           string
	ExpiresAt      time.Time
	SubscriptionID int64
}

// RateLimitError is returned when the previous invite is too recent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

// Unwrap allows errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// CreateInviteLink issues a single-use, time-boxed invite for an active subscription.
// The subscription row stays locked until the access row is written, so concurrent
// requests for the same subscription serialize and the second one is rate limited.
func (s *Service) CreateInviteLink(ctx context.Context, in InviteInput) (*Invite, error) {
	channelID, err := s.resolveChannel(in.ChannelID)
	if err != nil {
		return nil, err
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.config.InviteTTL
	}
	memberLimit := in.MemberLimit
	if memberLimit <= 0 {
		memberLimit = s.config.InviteMemberLimit
	}
	minInterval := in.MinInterval
	if minInterval <= 0 {
		minInterval = s.config.InviteMinInterval
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer postgres.Rollback(ctx, tx)

	sub, err := s.repo.GetActiveForUpdateTx(ctx, tx, in.UserID, channelID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			recordInvite("no_subscription")
			return nil, ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("get active subscription: %w", err)
	}

	now := s.now().UTC()
	if !sub.IsActiveAt(now) {
		recordInvite("no_subscription")
		return nil, ErrNoActiveSubscription
	}

	last, err := s.repo.LatestAccessTx(ctx, tx, sub.ID)
	if err != nil && !errors.Is(err, ErrAccessNotFound) {
		return nil, fmt.Errorf("get latest access: %w", err)
	}
	if last != nil {
		if elapsed := now.Sub(last.CreatedAt); elapsed < minInterval {
			recordInvite("rate_limited")
			return nil, &RateLimitError{RetryAfter: minInterval - elapsed}
		}
	}

	expireAt := now.Add(ttl)
	if sub.EndAt.Before(expireAt) {
		expireAt = sub.EndAt
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ChannelTimeout)
	link, err := s.channel.CreateInviteLink(callCtx, channelID, memberLimit, expireAt)
	cancel()
	if err != nil {
		recordInvite("channel_error")
		return nil, fmt.Errorf("create channel invite: %w", err)
	}

	access := &domain.SubscriptionAccess{
		SubscriptionID: sub.ID,
		InviteLink:     link,
		ExpireAt:       expireAt,
		MemberLimit:    memberLimit,
		CreatedAt:      now,
	}
	if err := s.repo.CreateAccessTx(ctx, tx, access); err != nil {
		return nil, fmt.Errorf("create access: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	recordInvite("created")
	slog.Info("invite link issued",
		"subscription_id", sub.ID,
		"user_id", in.UserID,
		"expire_at", expireAt,
	)

	return &Invite{
		Link:           link,
		ExpiresAt:      expireAt,
		SubscriptionID: sub.ID,
	}, nil
}

// LatestAccess returns the most recently issued invite of the subscription.
func (s *Service) LatestAccess(ctx context.Context, subscriptionID int64) (*domain.SubscriptionAccess, error) {
	return s.repo.LatestAccess(ctx, subscriptionID)
}
