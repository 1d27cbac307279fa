// Package subscriptions implements the subscription state machine and invite issuance.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Grant sources used in metrics and logs.
const (
	SourcePayment = "payment"
	SourceAdmin   = "admin"
)

// ChannelManager is the channel-management boundary.
type ChannelManager interface {
	CreateInviteLink(ctx context.Context, channelID int64, memberLimit int, expireAt time.Time) (string, error)
	// KickMember removes the user from the channel. A user that is not a member is not an error.
	KickMember(ctx context.Context, channelID, userID int64) error
}

// Config contains subscription service configuration.
type Config struct {
	DefaultChannelID  int64
	InviteTTL         time.Duration
	InviteMinInterval time.Duration
	InviteMemberLimit int
	ChannelTimeout    time.Duration
	SweepBatchSize    int
}

// DefaultConfig returns default service configuration.
func DefaultConfig() Config {
	return Config{
		InviteTTL:         24 * time.Hour,
		InviteMinInterval: 60 * time.Second,
		InviteMemberLimit: 1,
		ChannelTimeout:    10 * time.Second,
		SweepBatchSize:    500,
	}
}

// Service implements the subscription state machine.
type Service struct {
	repo    Repository
	channel ChannelManager
	config  Config
	now     func() time.Time
}

// NewService creates a new subscription service.
func NewService(repo Repository, channel ChannelManager, config Config) *Service {
	defaults := DefaultConfig()
	if config.InviteMinInterval <= 0 {
		config.InviteMinInterval = defaults.InviteMinInterval
	}
	if config.InviteTTL <= 0 {
		config.InviteTTL = defaults.InviteTTL
	}
	if config.InviteMemberLimit <= 0 {
		config.InviteMemberLimit = defaults.InviteMemberLimit
	}
	if config.ChannelTimeout <= 0 {
		config.ChannelTimeout = defaults.ChannelTimeout
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = defaults.SweepBatchSize
	}

	return &Service{
		repo:    repo,
		channel: channel,
		config:  config,
		now:     time.Now,
	}
}

// GrantInput holds grant parameters. A nil StartAt means now.
type GrantInput struct {
	UserID    int64
	ChannelID int64
	Period    time.Duration
	StartAt   *time.Time
	Source    string
}

// GetActive returns the unique active subscription.
func (s *Service) GetActive(ctx context.Context, userID, channelID int64) (*domain.Subscription, error) {
	channelID, err := s.resolveChannel(channelID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetActive(ctx, userID, channelID)
}

// ListByUser returns every subscription of the user, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Grant extends the active subscription or creates a new one.
// The new end_at is max(end_at, start_at) + period.
func (s *Service) Grant(ctx context.Context, in GrantInput) (*domain.Subscription, error) {
	params, err := s.upsertParams(in)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.UpsertActive(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("grant subscription: %w", err)
	}

	s.logGrant(in, sub)
	return sub, nil
}

// GrantTx is Grant inside the caller's transaction.
func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, in GrantInput) (*domain.Subscription, error) {
	params, err := s.upsertParams(in)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.UpsertActiveTx(ctx, tx, params)
	if err != nil {
		return nil, fmt.Errorf("grant subscription: %w", err)
	}

	s.logGrant(in, sub)
	return sub, nil
}

// Extend grants an administrator-supplied number of days.
func (s *Service) Extend(ctx context.Context, userID, channelID int64, days int) (*domain.Subscription, error) {
	if days <= 0 {
		return nil, ErrInvalidPeriod
	}
	return s.Grant(ctx, GrantInput{
		UserID:    userID,
		ChannelID: channelID,
		Period:    time.Duration(days) * 24 * time.Hour,
		Source:    SourceAdmin,
	})
}

// Revoke terminates the active subscription. It returns nil when there is none.
func (s *Service) Revoke(ctx context.Context, userID, channelID int64, reason string) (*domain.Subscription, error) {
	channelID, err := s.resolveChannel(channelID)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.Revoke(ctx, userID, channelID, reason, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke subscription: %w", err)
	}
	if sub == nil {
		slog.Debug("nothing to revoke", "user_id", userID, "channel_id", channelID)
		return nil, nil
	}

	revokedTotal.Inc()
	slog.Info("subscription revoked",
		"subscription_id", sub.ID,
		"user_id", userID,
		"channel_id", channelID,
		"reason", reason,
	)
	return sub, nil
}

// SweepExpired marks every active subscription with end_at < now as expired
// and returns them oldest first.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	var expired []domain.Subscription
	for {
		batch, err := s.repo.MarkExpired(ctx, now, s.config.SweepBatchSize)
		if err != nil {
			return expired, fmt.Errorf("mark expired subscriptions: %w", err)
		}
		expired = append(expired, batch...)
		if len(batch) < s.config.SweepBatchSize {
			break
		}
	}

	sort.SliceStable(expired, func(i, j int) bool {
		if expired[i].EndAt.Equal(expired[j].EndAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].EndAt.Before(expired[j].EndAt)
	})

	expiredTotal.Add(float64(len(expired)))
	return expired, nil
}

// Kick removes the user from the channel.
func (s *Service) Kick(ctx context.Context, channelID, userID int64) error {
	channelID, err := s.resolveChannel(channelID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ChannelTimeout)
	defer cancel()

	if err := s.channel.KickMember(callCtx, channelID, userID); err != nil {
		return fmt.Errorf("kick member: %w", err)
	}
	return nil
}

// ListActive returns active subscriptions ordered by end_at.
func (s *Service) ListActive(ctx context.Context, channelID int64, limit int) ([]domain.Subscription, error) {
	channelID, err := s.resolveChannel(channelID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListActive(ctx, channelID, limit)
}

// Stats returns subscription counts by status.
func (s *Service) Stats(ctx context.Context, channelID int64) (map[domain.SubscriptionStatus]int, error) {
	channelID, err := s.resolveChannel(channelID)
	if err != nil {
		return nil, err
	}
	return s.repo.CountByStatus(ctx, channelID)
}

func (s *Service) upsertParams(in GrantInput) (UpsertParams, error) {
	if in.UserID <= 0 {
		return UpsertParams{}, ErrInvalidUser
	}
	if in.Period <= 0 {
		return UpsertParams{}, ErrInvalidPeriod
	}
	channelID, err := s.resolveChannel(in.ChannelID)
	if err != nil {
		return UpsertParams{}, err
	}

	startAt := s.now().UTC()
	if in.StartAt != nil {
		startAt = in.StartAt.UTC()
	}

	return UpsertParams{
		UserID:    in.UserID,
		ChannelID: channelID,
		StartAt:   startAt,
		Period:    in.Period,
	}, nil
}

func (s *Service) resolveChannel(channelID int64) (int64, error) {
	if channelID != 0 {
		return channelID, nil
	}
	if s.config.DefaultChannelID == 0 {
		return 0, ErrChannelNotConfigured
	}
	return s.config.DefaultChannelID, nil
}

func (s *Service) logGrant(in GrantInput, sub *domain.Subscription) {
	source := in.Source
	if source == "" {
		source = SourcePayment
	}
	recordGrant(source)
	slog.Info("subscription granted",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"channel_id", sub.ChannelID,
		"end_at", sub.EndAt,
		"source", source,
	)
}

// IsNotFound reports whether err means there is no matching subscription.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound)
}
