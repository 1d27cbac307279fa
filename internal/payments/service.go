// Package payments creates provider payments and settles them into subscriptions.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments/cryptopay"
	"github.com/bissquit/channel-access/internal/payments/robokassa"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/bissquit/channel-access/internal/subscriptions"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const payloadPrefix = "pay:"

// Outcome is the result of a successful confirmation.
type Outcome string

// Confirmation outcomes.
const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeIgnored        Outcome = "ignored"
)

// SubscriptionGranter extends access inside the settlement transaction.
type SubscriptionGranter interface {
	GrantTx(ctx context.Context, tx pgx.Tx, in subscriptions.GrantInput) (*domain.Subscription, error)
}

// Publisher relays events to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, v any) error
}

// BankRedirect builds and verifies bank-redirect payments.
type BankRedirect interface {
	PaymentURL(invID int64, amount decimal.Decimal, description string, shp map[string]string) (string, error)
	ParseResult(form url.Values) (*robokassa.Result, error)
	VerifyResult(r *robokassa.Result) error
}

// InvoiceProvider is the crypto-invoice API.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, in cryptopay.CreateInvoiceInput) (*cryptopay.Invoice, error)
	GetInvoices(ctx context.Context, ids []int64) ([]cryptopay.Invoice, error)
	VerifyWebhook(body []byte, signature string) error
}

// Config holds tariff and settlement settings.
type Config struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	GrantPeriod time.Duration
	// ChannelID of 0 grants access to the default channel.
	ChannelID int64

	AcceptedAssets  []string
	InvoiceTTL      time.Duration
	ProviderTimeout time.Duration
	// RecheckInvoice asks the provider API to confirm a webhook before settling.
	RecheckInvoice bool

	ReconcileMinAge    time.Duration
	ReconcileBatchSize int
}

// DefaultConfig returns the default tariff: 90 days paid in KZT, settled in TON.
func DefaultConfig() Config {
	return Config{
		Currency:           "KZT",
		Description:        "Subscription 90 days",
		GrantPeriod:        90 * 24 * time.Hour,
		AcceptedAssets:     []string{"TON"},
		ProviderTimeout:    15 * time.Second,
		ReconcileMinAge:    2 * time.Minute,
		ReconcileBatchSize: 100,
	}
}

// Service implements payment business logic.
type Service struct {
	repo      Repository
	subs      SubscriptionGranter
	publisher Publisher
	bank      BankRedirect
	crypto    InvoiceProvider
	config    Config
	now       func() time.Time
}

// NewService creates a new payments service. bank and crypto may be nil
// when the provider is not configured.
func NewService(repo Repository, subs SubscriptionGranter, publisher Publisher, bank BankRedirect, crypto InvoiceProvider, config Config) *Service {
	defaults := DefaultConfig()
	if config.Currency == "" {
		config.Currency = defaults.Currency
	}
	if config.Description == "" {
		config.Description = defaults.Description
	}
	if config.GrantPeriod <= 0 {
		config.GrantPeriod = defaults.GrantPeriod
	}
	if len(config.AcceptedAssets) == 0 {
		config.AcceptedAssets = defaults.AcceptedAssets
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaults.ProviderTimeout
	}
	if config.ReconcileMinAge <= 0 {
		config.ReconcileMinAge = defaults.ReconcileMinAge
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = defaults.ReconcileBatchSize
	}

	return &Service{
		repo:      repo,
		subs:      subs,
		publisher: publisher,
		bank:      bank,
		crypto:    crypto,
		config:    config,
		now:       time.Now,
	}
}

// BankRedirectPayment is a pending payment with its redirect URL.
type BankRedirectPayment struct {
	Payment *domain.Payment
	URL     string
}

// CryptoInvoicePayment is a pending payment with its provider invoice.
type CryptoInvoicePayment struct {
	Payment   *domain.Payment
	InvoiceID int64
	PayURL    string
}

// GetPayment returns a payment by ID.
func (s *Service) GetPayment(ctx context.Context, id int64) (*domain.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByUser returns the latest payments of a user.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

// CreateBankRedirect creates a pending payment and its signed redirect URL.
// The payment ID doubles as the provider InvId.
func (s *Service) CreateBankRedirect(ctx context.Context, userID int64) (*BankRedirectPayment, error) {
	if s.bank == nil {
		return nil, ErrProviderNotConfigured
	}
	p, err := s.createPending(ctx, userID, domain.PaymentProviderBankRedirect)
	if err != nil {
		return nil, err
	}

	paymentURL, err := s.bank.PaymentURL(p.ID, p.Amount, s.config.Description, map[string]string{
		"Shp_user_id": strconv.FormatInt(userID, 10),
	})
	if err != nil {
		s.markFailed(ctx, p, err.Error())
		recordCreated(p.Provider, "error")
		return nil, fmt.Errorf("build payment url: %w", err)
	}

	recordCreated(p.Provider, "ok")
	slog.Info("bank redirect payment created", "payment_id", p.ID, "user_id", userID)

	return &BankRedirectPayment{Payment: p, URL: paymentURL}, nil
}

// CreateCryptoInvoice creates a pending payment and a provider invoice for it.
// A failed invoice marks the payment failed so it never lingers as pending.
func (s *Service) CreateCryptoInvoice(ctx context.Context, userID int64) (*CryptoInvoicePayment, error) {
	if s.crypto == nil {
		return nil, ErrProviderNotConfigured
	}
	p, err := s.createPending(ctx, userID, domain.PaymentProviderCryptoInvoice)
	if err != nil {
		return nil, err
	}

	payload := payloadPrefix + strconv.FormatInt(p.ID, 10)

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	invoice, err := s.crypto.CreateInvoice(callCtx, cryptopay.CreateInvoiceInput{
		Amount:         p.Amount,
		Fiat:           p.Currency,
		AcceptedAssets: s.config.AcceptedAssets,
		Description:    s.config.Description,
		Payload:        payload,
		ExpiresIn:      s.config.InvoiceTTL,
	})
	if err != nil {
		s.markFailed(ctx, p, err.Error())
		recordCreated(p.Provider, "error")
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	invoiceID := strconv.FormatInt(invoice.InvoiceID, 10)
	if err := s.repo.AttachInvoice(ctx, p.ID, invoiceID, payload); err != nil {
		recordCreated(p.Provider, "error")
		return nil, fmt.Errorf("attach invoice: %w", err)
	}
	p.ProviderInvoiceID = &invoiceID
	p.ProviderPayload = &payload

	recordCreated(p.Provider, "ok")
	slog.Info("crypto invoice created", "payment_id", p.ID, "user_id", userID, "invoice_id", invoice.InvoiceID)

	return &CryptoInvoicePayment{Payment: p, InvoiceID: invoice.InvoiceID, PayURL: invoice.PayURL()}, nil
}

func (s *Service) createPending(ctx context.Context, userID int64, provider domain.PaymentProvider) (*domain.Payment, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	if !s.config.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: tariff amount is not set", ErrProviderNotConfigured)
	}

	p := &domain.Payment{
		UserID:   userID,
		Provider: provider,
		Amount:   s.config.Amount,
		Currency: s.config.Currency,
		Status:   domain.PaymentStatusPending,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return p, nil
}

func (s *Service) markFailed(ctx context.Context, p *domain.Payment, reason string) {
	raw, _ := json.Marshal(map[string]string{"error": reason})
	if _, err := s.repo.MarkFailed(ctx, p.ID, reason, raw); err != nil {
		slog.Error("failed to mark payment failed", "payment_id", p.ID, "error", err)
		return
	}
	p.Status = domain.PaymentStatusFailed
	p.FailureReason = &reason
}

// ConfirmBankRedirect verifies a result callback and settles the payment.
// It returns the InvId to echo back to the provider.
func (s *Service) ConfirmBankRedirect(ctx context.Context, form url.Values) (int64, Outcome, error) {
	if s.bank == nil {
		return 0, "", ErrProviderNotConfigured
	}
	invID, outcome, err := s.confirmBankRedirect(ctx, form)
	recordConfirmation(domain.PaymentProviderBankRedirect, sourceCallback, outcomeLabel(outcome, err))
	return invID, outcome, err
}

func (s *Service) confirmBankRedirect(ctx context.Context, form url.Values) (int64, Outcome, error) {
	result, err := s.bank.ParseResult(form)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.bank.VerifyResult(result); err != nil {
		slog.Warn("bank redirect signature rejected", "inv_id", result.InvID)
		return result.InvID, "", ErrInvalidSignature
	}

	p, err := s.repo.GetByID(ctx, result.InvID)
	if err != nil {
		return result.InvID, "", err
	}
	if p.Provider != domain.PaymentProviderBankRedirect {
		return result.InvID, "", ErrPaymentNotFound
	}

	// A valid signature over a different amount is still rejected.
	if !p.AmountEqual(result.Amount, domain.FiatPrecision) {
		slog.Warn("bank redirect amount mismatch",
			"payment_id", p.ID, "expected", p.Amount.StringFixed(2), "got", result.OutSum)
		return result.InvID, "", ErrAmountMismatch
	}
	if shpUser, ok := result.ShpValue("user_id"); ok && shpUser != strconv.FormatInt(p.UserID, 10) {
		slog.Warn("bank redirect user mismatch", "payment_id", p.ID)
		return result.InvID, "", ErrUserMismatch
	}

	raw, err := json.Marshal(flattenForm(form))
	if err != nil {
		return result.InvID, "", fmt.Errorf("encode callback: %w", err)
	}

	outcome, err := s.settle(ctx, p, domain.Settlement{
		PaymentID:   p.ID,
		PaidAt:      s.now().UTC(),
		RawCallback: raw,
	})
	return result.InvID, outcome, err
}

// ConfirmCryptoWebhook verifies a webhook update and settles the matching payment.
// Updates other than a paid invoice are ignored.
func (s *Service) ConfirmCryptoWebhook(ctx context.Context, body []byte, signature string) (Outcome, error) {
	if s.crypto == nil {
		return "", ErrProviderNotConfigured
	}
	outcome, err := s.confirmCryptoWebhook(ctx, body, signature)
	recordConfirmation(domain.PaymentProviderCryptoInvoice, sourceWebhook, outcomeLabel(outcome, err))
	return outcome, err
}

func (s *Service) confirmCryptoWebhook(ctx context.Context, body []byte, signature string) (Outcome, error) {
	// Verify before parsing anything from an untrusted body.
	if err := s.crypto.VerifyWebhook(body, signature); err != nil {
		slog.Warn("crypto webhook signature rejected")
		return "", ErrInvalidSignature
	}

	update, err := cryptopay.ParseUpdate(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if update.UpdateType != cryptopay.UpdateTypeInvoicePaid {
		slog.Debug("crypto webhook ignored", "update_type", update.UpdateType)
		return OutcomeIgnored, nil
	}

	invoice, err := update.Invoice()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if invoice.Status != "" && invoice.Status != cryptopay.StatusPaid {
		return OutcomeIgnored, nil
	}
	if invoice.Fiat != "" && !strings.EqualFold(invoice.Fiat, s.config.Currency) {
		return "", ErrCurrencyMismatch
	}
	if invoice.Fiat == "" && invoice.Asset != "" && !s.acceptedAsset(invoice.Asset) {
		return "", ErrCurrencyMismatch
	}

	p, err := s.findCryptoPayment(ctx, invoice)
	if err != nil {
		return "", err
	}
	if p.Status == domain.PaymentStatusSuccess {
		return OutcomeAlreadySettled, nil
	}
	if err := s.checkInvoiceAmount(p, invoice); err != nil {
		return "", err
	}

	if s.config.RecheckInvoice {
		if err := s.recheckInvoice(ctx, invoice.InvoiceID); err != nil {
			return "", err
		}
	}

	raw, err := json.Marshal(struct {
		Update    json.RawMessage `json:"update"`
		Signature string          `json:"signature"`
	}{Update: body, Signature: signature})
	if err != nil {
		return "", fmt.Errorf("encode callback: %w", err)
	}

	return s.settle(ctx, p, s.invoiceSettlement(p, invoice, raw))
}

// recheckInvoice asks the API whether the invoice is paid. API failures do
// not block settlement, the signature is already verified and reconciliation
// rechecks later.
func (s *Service) recheckInvoice(ctx context.Context, invoiceID int64) error {
	callCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	invoices, err := s.crypto.GetInvoices(callCtx, []int64{invoiceID})
	if err != nil {
		slog.Warn("invoice recheck failed, settling on signature", "invoice_id", invoiceID, "error", err)
		return nil
	}
	for _, inv := range invoices {
		if inv.InvoiceID == invoiceID && inv.Status == cryptopay.StatusPaid {
			return nil
		}
	}
	return ErrInvoiceNotPaid
}

func (s *Service) findCryptoPayment(ctx context.Context, invoice *cryptopay.Invoice) (*domain.Payment, error) {
	provider := domain.PaymentProviderCryptoInvoice

	p, err := s.repo.FindByInvoiceID(ctx, provider, strconv.FormatInt(invoice.InvoiceID, 10))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	if invoice.Payload != "" {
		p, err = s.repo.FindByPayload(ctx, provider, invoice.Payload)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}

	if id, ok := parsePayload(invoice.Payload); ok {
		p, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Provider == provider {
			return p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// checkInvoiceAmount compares at 2 places for fiat payments and 9 for payments
// priced in the settlement asset.
func (s *Service) checkInvoiceAmount(p *domain.Payment, invoice *cryptopay.Invoice) error {
	if s.acceptedAsset(p.Currency) {
		if invoice.Asset != "" && !strings.EqualFold(invoice.Asset, p.Currency) {
			return ErrCurrencyMismatch
		}
		if !p.AmountEqual(invoice.Amount, domain.CryptoPrecision) {
			return ErrAmountMismatch
		}
		return nil
	}

	if !strings.EqualFold(invoice.Fiat, p.Currency) {
		return ErrCurrencyMismatch
	}
	if !p.AmountEqual(invoice.Amount, domain.FiatPrecision) {
		slog.Warn("crypto invoice amount mismatch",
			"payment_id", p.ID, "expected", p.AmountString(), "got", invoice.Amount.String())
		return ErrAmountMismatch
	}
	return nil
}

func (s *Service) invoiceSettlement(p *domain.Payment, invoice *cryptopay.Invoice, raw json.RawMessage) domain.Settlement {
	st := domain.Settlement{
		PaymentID:   p.ID,
		PaidAt:      s.now().UTC(),
		RawCallback: raw,
	}
	invoiceID := strconv.FormatInt(invoice.InvoiceID, 10)
	st.ProviderInvoiceID = &invoiceID
	if invoice.Payload != "" {
		payload := invoice.Payload
		st.ProviderPayload = &payload
	}
	return st
}

func (s *Service) acceptedAsset(asset string) bool {
	for _, a := range s.config.AcceptedAssets {
		if strings.EqualFold(a, asset) {
			return true
		}
	}
	return false
}

// settle commits the payment and the subscription grant together, then
// publishes the event. The store stays the source of truth if publishing
// fails and ReconcilePending republishes it later.
func (s *Service) settle(ctx context.Context, p *domain.Payment, st domain.Settlement) (Outcome, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer postgres.Rollback(ctx, tx)

	settled, err := s.settleTx(ctx, tx, st)
	if errors.Is(err, ErrPaymentNotPending) {
		postgres.Rollback(ctx, tx)
		return s.notPendingOutcome(ctx, p.ID)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit settlement: %w", err)
	}

	slog.Info("payment settled",
		"payment_id", settled.ID,
		"user_id", settled.UserID,
		"provider", settled.Provider,
	)

	// The settlement stands even if the event is lost here.
	_ = s.publish(ctx, settled)
	return OutcomeSettled, nil
}

// settleTx moves the payment to success and grants access inside tx.
func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, st domain.Settlement) (*domain.Payment, error) {
	settled, err := s.repo.SettleTx(ctx, tx, st)
	if err != nil {
		return nil, err
	}

	_, err = s.subs.GrantTx(ctx, tx, subscriptions.GrantInput{
		UserID:    settled.UserID,
		ChannelID: s.config.ChannelID,
		Period:    s.config.GrantPeriod,
		Source:    subscriptions.SourcePayment,
	})
	if err != nil {
		return nil, fmt.Errorf("grant subscription: %w", err)
	}
	return settled, nil
}

func (s *Service) notPendingOutcome(ctx context.Context, id int64) (Outcome, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if current.Status == domain.PaymentStatusSuccess {
		return OutcomeAlreadySettled, nil
	}
	return "", ErrPaymentNotPending
}

// publish sends the payment event. A failure is logged and returned; the
// reconciler republishes settled payments that were never processed.
func (s *Service) publish(ctx context.Context, p *domain.Payment) error {
	if s.publisher == nil {
		return nil
	}
	event := domain.NewPaymentSucceededEvent(p)
	if err := s.publisher.Publish(ctx, domain.SubjectPaymentSucceeded, event.DedupID(), event); err != nil {
		publishFailuresTotal.Inc()
		slog.Error("failed to publish payment event",
			"payment_id", p.ID,
			"error", err,
		)
		return err
	}
	return nil
}

func parsePayload(payload string) (int64, bool) {
	rest, ok := strings.CutPrefix(payload, payloadPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
