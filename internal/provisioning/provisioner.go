// Package provisioning delivers channel access after a payment settles.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments"
	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/bissquit/channel-access/internal/relay"
	"github.com/bissquit/channel-access/internal/subscriptions"
	"github.com/bissquit/channel-access/internal/telegram"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
)

// PaymentStore locks settled payments and records their processing.
type PaymentStore interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	LockForProcessingTx(ctx context.Context, tx pgx.Tx, id int64) (*domain.Payment, error)
	ClaimProcessedTx(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error)
}

// Subscriptions is the subscription boundary used to hand out invites.
type Subscriptions interface {
	GetActive(ctx context.Context, userID, channelID int64) (*domain.Subscription, error)
	LatestAccess(ctx context.Context, subscriptionID int64) (*domain.SubscriptionAccess, error)
	CreateInviteLink(ctx context.Context, in subscriptions.InviteInput) (*subscriptions.Invite, error)
}

// Messenger sends a message to a user chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Config contains provisioner configuration.
type Config struct {
	// ChannelID of 0 means the default channel.
	ChannelID   int64
	SendTimeout time.Duration
}

// Provisioner handles payment.succeeded events.
type Provisioner struct {
	payments  PaymentStore
	subs      Subscriptions
	messenger Messenger
	renderer  *Renderer
	validator *validator.Validate
	config    Config
	now       func() time.Time
}

// NewProvisioner creates a new provisioner.
func NewProvisioner(store PaymentStore, subs Subscriptions, messenger Messenger, renderer *Renderer, config Config) *Provisioner {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	return &Provisioner{
		payments:  store,
		subs:      subs,
		messenger: messenger,
		renderer:  renderer,
		validator: validator.New(),
		config:    config,
		now:       time.Now,
	}
}

// HandlePaymentSucceeded sends the payer an invite to the channel. The event
// is a hint only: the payment row is locked for the whole delivery and
// processed_at is stamped in the same transaction, so a redelivery arriving
// mid-flight is retried later instead of sending a second invite.
func (p *Provisioner) HandlePaymentSucceeded(ctx context.Context, data []byte) error {
	var event domain.PaymentSucceededEvent
	if err := json.Unmarshal(data, &event); err != nil {
		recordHandled("invalid")
		return relay.NewNonRetryableError(fmt.Errorf("decode event: %w", err))
	}
	if err := p.validator.Struct(event); err != nil {
		recordHandled("invalid")
		return relay.NewNonRetryableError(fmt.Errorf("validate event: %w", err))
	}

	tx, err := p.payments.BeginTx(ctx)
	if err != nil {
		return relay.NewRetryableError(fmt.Errorf("begin transaction: %w", err))
	}
	defer postgres.Rollback(ctx, tx)

	payment, err := p.payments.LockForProcessingTx(ctx, tx, event.PaymentID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrPaymentNotFound):
			recordHandled("invalid")
			return relay.NewNonRetryableError(err)
		case errors.Is(err, payments.ErrPaymentBusy):
			recordHandled("busy")
			return relay.NewRetryableError(err)
		}
		return relay.NewRetryableError(fmt.Errorf("load payment: %w", err))
	}
	ctx, log := ctxlog.With(ctx, "payment_id", payment.ID, "user_id", payment.UserID)

	if payment.Status != domain.PaymentStatusSuccess {
		recordHandled("invalid")
		return relay.NewNonRetryableError(fmt.Errorf("payment %d is %s", payment.ID, payment.Status))
	}
	if payment.ProcessedAt != nil {
		recordHandled("duplicate")
		log.Debug("payment already processed")
		return nil
	}

	sub, err := p.subs.GetActive(ctx, payment.UserID, p.config.ChannelID)
	if err != nil {
		if subscriptions.IsNotFound(err) {
			// Revoked between settlement and delivery.
			log.Warn("no active subscription for settled payment")
			if err := p.claim(ctx, tx, payment); err != nil {
				return err
			}
			recordHandled("no_subscription")
			return nil
		}
		return relay.NewRetryableError(fmt.Errorf("get active subscription: %w", err))
	}

	msg := MessageData{EndAt: sub.EndAt}
	access, err := p.invite(ctx, payment, sub)
	if err != nil {
		return relay.NewRetryableError(err)
	}
	if access != nil {
		msg.InviteLink = access.InviteLink
		msg.InviteExpiresAt = access.ExpireAt
	}

	text, err := p.renderer.Render(TemplatePaymentSucceeded, msg)
	if err != nil {
		return relay.NewNonRetryableError(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	err = p.messenger.SendMessage(sendCtx, payment.UserID, text)
	cancel()
	if err != nil {
		if telegram.IsRetryable(err) {
			recordHandled("send_retry")
			return relay.NewRetryableError(fmt.Errorf("send invite: %w", err))
		}
		// Blocked bot or unknown chat: the user can request the link later.
		log.Warn("invite message rejected", "error", err)
		recordHandled("send_rejected")
	} else {
		recordHandled("delivered")
	}

	if err := p.claim(ctx, tx, payment); err != nil {
		return err
	}
	log.Info("payment provisioned", "subscription_id", sub.ID, "end_at", sub.EndAt)
	return nil
}

// invite reuses the latest usable link issued after the payment or creates
// a new one. A rate-limited request falls back to the latest usable link.
func (p *Provisioner) invite(ctx context.Context, payment *domain.Payment, sub *domain.Subscription) (*domain.SubscriptionAccess, error) {
	now := p.now().UTC()

	latest, err := p.subs.LatestAccess(ctx, sub.ID)
	if err != nil && !errors.Is(err, subscriptions.ErrAccessNotFound) {
		return nil, fmt.Errorf("get latest access: %w", err)
	}
	if latest != nil && latest.IsUsableAt(now) && issuedAfterPayment(latest, payment) {
		return latest, nil
	}

	invite, err := p.subs.CreateInviteLink(ctx, subscriptions.InviteInput{
		UserID:    payment.UserID,
		ChannelID: p.config.ChannelID,
	})
	switch {
	case err == nil:
		return &domain.SubscriptionAccess{
			SubscriptionID: invite.SubscriptionID,
			InviteLink:     invite.Link,
			ExpireAt:       invite.ExpiresAt,
		}, nil
	case errors.Is(err, subscriptions.ErrRateLimited):
		if latest != nil && latest.IsUsableAt(now) {
			return latest, nil
		}
		return nil, fmt.Errorf("create invite: %w", err)
	case errors.Is(err, subscriptions.ErrNoActiveSubscription):
		return nil, nil
	default:
		return nil, fmt.Errorf("create invite: %w", err)
	}
}

// claim stamps processed_at and commits tx, releasing the row lock. Both
// failures are retryable: the row is unchanged and the next delivery redoes the work.
func (p *Provisioner) claim(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	claimed, err := p.payments.ClaimProcessedTx(ctx, tx, payment.ID, p.now().UTC())
	if err != nil {
		return relay.NewRetryableError(fmt.Errorf("mark payment processed: %w", err))
	}
	if !claimed {
		ctxlog.FromContext(ctx).Debug("payment processed concurrently")
	}
	if err := tx.Commit(ctx); err != nil {
		return relay.NewRetryableError(fmt.Errorf("commit processing: %w", err))
	}
	return nil
}

func issuedAfterPayment(a *domain.SubscriptionAccess, p *domain.Payment) bool {
	return p.PaidAt == nil || !a.CreatedAt.Before(*p.PaidAt)
}

// NotifyExpired tells the user their subscription ended. Users that blocked
// the bot are skipped.
func (p *Provisioner) NotifyExpired(ctx context.Context, sub domain.Subscription) error {
	text, err := p.renderer.Render(TemplateSubscriptionExpired, MessageData{EndAt: sub.EndAt})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	defer cancel()

	if err := p.messenger.SendMessage(sendCtx, sub.UserID, text); err != nil {
		if !telegram.IsRetryable(err) {
			ctxlog.FromContext(ctx).Debug("expiry notice rejected", "user_id", sub.UserID, "error", err)
			return nil
		}
		return fmt.Errorf("send expiry notice: %w", err)
	}
	return nil
}
