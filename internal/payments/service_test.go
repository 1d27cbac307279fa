package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments/cryptopay"
	"github.com/bissquit/channel-access/internal/payments/robokassa"
	"github.com/bissquit/channel-access/internal/subscriptions"
	"github.com/bissquit/channel-access/internal/testutil"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*domain.Payment
	txs      []*testutil.FakeTx

	createErr error
	settleErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{nextID: 1, payments: make(map[int64]*domain.Payment)}
}

func (m *mockRepository) seed(p domain.Payment) *domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.payments[p.ID] = &cp
	if p.ID >= m.nextID {
		m.nextID = p.ID + 1
	}
	return &cp
}

func (m *mockRepository) get(id int64) *domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.payments[id]
	return &cp
}

func (m *mockRepository) Create(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	p.ID = m.nextID
	m.nextID++
	p.Status = domain.PaymentStatusPending
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockRepository) GetByID(_ context.Context, id int64) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepository) ListByUser(_ context.Context, userID int64, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepository) find(match func(p *domain.Payment) bool) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *mockRepository) FindByInvoiceID(_ context.Context, provider domain.PaymentProvider, invoiceID string) (*domain.Payment, error) {
	return m.find(func(p *domain.Payment) bool {
		return p.Provider == provider && p.ProviderInvoiceID != nil && *p.ProviderInvoiceID == invoiceID
	})
}

func (m *mockRepository) FindByPayload(_ context.Context, provider domain.PaymentProvider, payload string) (*domain.Payment, error) {
	return m.find(func(p *domain.Payment) bool {
		return p.Provider == provider && p.ProviderPayload != nil && *p.ProviderPayload == payload
	})
}

func (m *mockRepository) AttachInvoice(_ context.Context, id int64, invoiceID, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ProviderInvoiceID = &invoiceID
	p.ProviderPayload = &payload
	return nil
}

func (m *mockRepository) MarkFailed(_ context.Context, id int64, reason string, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != domain.PaymentStatusPending {
		return false, nil
	}
	p.Status = domain.PaymentStatusFailed
	p.FailureReason = &reason
	p.RawCallback = raw
	return true, nil
}

func (m *mockRepository) ListPending(_ context.Context, provider domain.PaymentProvider, olderThan time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.Provider == provider && p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepository) ListUnprocessed(_ context.Context, paidBefore time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.Status == domain.PaymentStatusSuccess && p.ProcessedAt == nil && p.PaidAt != nil && p.PaidAt.Before(paidBefore) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepository) LockForProcessingTx(ctx context.Context, _ pgx.Tx, id int64) (*domain.Payment, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepository) ClaimProcessedTx(_ context.Context, _ pgx.Tx, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != domain.PaymentStatusSuccess || p.ProcessedAt != nil {
		return false, nil
	}
	p.ProcessedAt = &at
	return true, nil
}

func (m *mockRepository) BeginTx(_ context.Context) (pgx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &testutil.FakeTx{}
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *mockRepository) SettleTx(_ context.Context, _ pgx.Tx, s domain.Settlement) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	p, ok := m.payments[s.PaymentID]
	if !ok || p.Status != domain.PaymentStatusPending {
		return nil, ErrPaymentNotPending
	}
	p.Status = domain.PaymentStatusSuccess
	p.SignatureVerified = true
	paidAt := s.PaidAt
	p.PaidAt = &paidAt
	p.RawCallback = s.RawCallback
	if p.ProviderInvoiceID == nil {
		p.ProviderInvoiceID = s.ProviderInvoiceID
	}
	if p.ProviderPayload == nil {
		p.ProviderPayload = s.ProviderPayload
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepository) lastTx() *testutil.FakeTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[len(m.txs)-1]
}

type mockGranter struct {
	mu     sync.Mutex
	grants []subscriptions.GrantInput
	err    error
}

func (m *mockGranter) GrantTx(_ context.Context, _ pgx.Tx, in subscriptions.GrantInput) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.grants = append(m.grants, in)
	return &domain.Subscription{UserID: in.UserID, Status: domain.SubscriptionStatusActive}, nil
}

type publishedMessage struct {
	Subject string
	MsgID   string
	Event   domain.PaymentSucceededEvent
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (m *mockPublisher) Publish(_ context.Context, subject, msgID string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMessage{Subject: subject, MsgID: msgID, Event: v.(domain.PaymentSucceededEvent)})
	return nil
}

type mockInvoices struct {
	mu        sync.Mutex
	created   []cryptopay.CreateInvoiceInput
	createErr error
	invoices  map[int64]cryptopay.Invoice
	getErr    error
	getCalls  int
	verifyErr error
}

func (m *mockInvoices) CreateInvoice(_ context.Context, in cryptopay.CreateInvoiceInput) (*cryptopay.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, in)
	return &cryptopay.Invoice{
		InvoiceID:         777,
		Status:            cryptopay.StatusActive,
		Fiat:              in.Fiat,
		Amount:            in.Amount,
		Payload:           in.Payload,
		MiniAppInvoiceURL: "https://t.me/CryptoBot/app?startapp=invoice-777",
	}, nil
}

func (m *mockInvoices) GetInvoices(_ context.Context, ids []int64) ([]cryptopay.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []cryptopay.Invoice
	for _, id := range ids {
		if inv, ok := m.invoices[id]; ok {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *mockInvoices) VerifyWebhook(_ []byte, signature string) error {
	if m.verifyErr != nil || signature != "valid" {
		return cryptopay.ErrInvalidSignature
	}
	return nil
}

type serviceFixture struct {
	service   *Service
	repo      *mockRepository
	granter   *mockGranter
	publisher *mockPublisher
	invoices  *mockInvoices
	bank      *robokassa.Client
	now       time.Time
}

func newServiceFixture(t *testing.T, mutate ...func(*Config)) *serviceFixture {
	t.Helper()

	bank, err := robokassa.NewClient(robokassa.Config{
		MerchantLogin: "shop",
		Password1:     "pass1",
		Password2:     "pass2",
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Amount = decimal.RequireFromString("5000.00")
	for _, m := range mutate {
		m(&cfg)
	}

	f := &serviceFixture{
		repo:      newMockRepository(),
		granter:   &mockGranter{},
		publisher: &mockPublisher{},
		invoices:  &mockInvoices{invoices: make(map[int64]cryptopay.Invoice)},
		bank:      bank,
		now:       time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.service = NewService(f.repo, f.granter, f.publisher, bank, f.invoices, cfg)
	f.service.now = func() time.Time { return f.now }
	return f
}

func (f *serviceFixture) seedPending(id int64, provider domain.PaymentProvider) *domain.Payment {
	return f.repo.seed(domain.Payment{
		ID:        id,
		UserID:    7,
		Provider:  provider,
		Amount:    decimal.RequireFromString("5000.00"),
		Currency:  "KZT",
		Status:    domain.PaymentStatusPending,
		CreatedAt: f.now.Add(-time.Hour),
	})
}

// signedResult builds a result callback signed with password 2.
func signedResult(t *testing.T, outSum string, invID int64, userID string) url.Values {
	t.Helper()
	inv := strconv.FormatInt(invID, 10)
	sum := md5.Sum([]byte(outSum + ":" + inv + ":pass2:Shp_user_id=" + userID))
	return url.Values{
		"OutSum":         {outSum},
		"InvId":          {inv},
		"Shp_user_id":    {userID},
		"SignatureValue": {hex.EncodeToString(sum[:])},
	}
}

func TestCreateBankRedirect(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.service.CreateBankRedirect(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, created.Payment.Status)
	assert.Equal(t, "KZT", created.Payment.Currency)

	u, err := url.Parse(created.URL)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(created.Payment.ID, 10), u.Query().Get("InvId"))
	assert.Equal(t, "5000.00", u.Query().Get("OutSum"))
	assert.Equal(t, "7", u.Query().Get("Shp_user_id"))
	assert.Equal(t, "Subscription 90 days", u.Query().Get("Description"))
}

func TestCreateBankRedirect_Validation(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.CreateBankRedirect(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidUser)

	noAmount := newServiceFixture(t, func(c *Config) { c.Amount = decimal.Zero })
	_, err = noAmount.service.CreateBankRedirect(context.Background(), 7)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	unconfigured := NewService(newMockRepository(), &mockGranter{}, nil, nil, nil, Config{Amount: decimal.NewFromInt(1)})
	_, err = unconfigured.CreateBankRedirect(context.Background(), 7)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	_, err = unconfigured.CreateCryptoInvoice(context.Background(), 7)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestCreateCryptoInvoice(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.service.CreateCryptoInvoice(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(777), created.InvoiceID)
	assert.Equal(t, "https://t.me/CryptoBot/app?startapp=invoice-777", created.PayURL)

	require.Len(t, f.invoices.created, 1)
	in := f.invoices.created[0]
	assert.Equal(t, "KZT", in.Fiat)
	assert.Equal(t, []string{"TON"}, in.AcceptedAssets)
	assert.Equal(t, fmt.Sprintf("pay:%d", created.Payment.ID), in.Payload)

	stored := f.repo.get(created.Payment.ID)
	assert.Equal(t, "777", *stored.ProviderInvoiceID)
	assert.Equal(t, in.Payload, *stored.ProviderPayload)
}

func TestCreateCryptoInvoice_ProviderFailureMarksFailed(t *testing.T) {
	f := newServiceFixture(t)
	f.invoices.createErr = &cryptopay.RetryableError{Code: 502, Message: "bad gateway"}

	_, err := f.service.CreateCryptoInvoice(context.Background(), 7)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	stored := f.repo.get(1)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "bad gateway")
}

// Payment 42 for 5000.00 KZT settles once; the duplicate callback is acknowledged without a second event.
func TestConfirmBankRedirect_EndToEnd(t *testing.T) {
	f := newServiceFixture(t)
	f.seedPending(42, domain.PaymentProviderBankRedirect)
	form := signedResult(t, "5000.00", 42, "7")

	invID, outcome, err := f.service.ConfirmBankRedirect(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, int64(42), invID)
	assert.Equal(t, OutcomeSettled, outcome)

	stored := f.repo.get(42)
	assert.Equal(t, domain.PaymentStatusSuccess, stored.Status)
	assert.True(t, stored.SignatureVerified)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, f.now, *stored.PaidAt)
	assert.JSONEq(t, `{"InvId":"42","OutSum":"5000.00","Shp_user_id":"7","SignatureValue":"`+form.Get("SignatureValue")+`"}`,
		string(stored.RawCallback))
	assert.True(t, f.repo.lastTx().Committed)

	require.Len(t, f.granter.grants, 1)
	assert.Equal(t, int64(7), f.granter.grants[0].UserID)
	assert.Equal(t, 90*24*time.Hour, f.granter.grants[0].Period)
	assert.Equal(t, subscriptions.SourcePayment, f.granter.grants[0].Source)

	require.Len(t, f.publisher.messages, 1)
	msg := f.publisher.messages[0]
	assert.Equal(t, domain.SubjectPaymentSucceeded, msg.Subject)
	assert.Equal(t, "payment.succeeded:42", msg.MsgID)
	assert.Equal(t, "5000.00", msg.Event.Amount)
	assert.Equal(t, "KZT", msg.Event.Currency)

	invID, outcome, err = f.service.ConfirmBankRedirect(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, int64(42), invID)
	assert.Equal(t, OutcomeAlreadySettled, outcome)
	assert.Len(t, f.granter.grants, 1)
	assert.Len(t, f.publisher.messages, 1)
	assert.True(t, f.repo.lastTx().RolledBack)
}

func TestConfirmBankRedirect_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		form    func(t *testing.T) url.Values
		setup   func(f *serviceFixture)
		wantErr error
	}{
		{
			name: "missing fields",
			form: func(_ *testing.T) url.Values {
				return url.Values{"OutSum": {"5000.00"}}
			},
			wantErr: ErrInvalidPayload,
		},
		{
			name: "bad signature",
			form: func(_ *testing.T) url.Values {
				return url.Values{"OutSum": {"5000.00"}, "InvId": {"42"}, "SignatureValue": {"deadbeef"}}
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "unknown payment",
			form: func(t *testing.T) url.Values {
				return signedResult(t, "5000.00", 99, "7")
			},
			wantErr: ErrPaymentNotFound,
		},
		{
			name: "signed but different amount",
			form: func(t *testing.T) url.Values {
				return signedResult(t, "1.00", 42, "7")
			},
			wantErr: ErrAmountMismatch,
		},
		{
			name: "signed for another user",
			form: func(t *testing.T) url.Values {
				return signedResult(t, "5000.00", 42, "8")
			},
			wantErr: ErrUserMismatch,
		},
		{
			name: "payment of another provider",
			form: func(t *testing.T) url.Values {
				return signedResult(t, "5000.00", 43, "7")
			},
			setup: func(f *serviceFixture) {
				f.seedPending(43, domain.PaymentProviderCryptoInvoice)
			},
			wantErr: ErrPaymentNotFound,
		},
		{
			name: "failed payment",
			form: func(t *testing.T) url.Values {
				return signedResult(t, "5000.00", 42, "7")
			},
			setup: func(f *serviceFixture) {
				_, _ = f.repo.MarkFailed(context.Background(), 42, "canceled", nil)
			},
			wantErr: ErrPaymentNotPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.seedPending(42, domain.PaymentProviderBankRedirect)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, _, err := f.service.ConfirmBankRedirect(context.Background(), tt.form(t))
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsRejection(err))
			assert.Empty(t, f.granter.grants)
			assert.Empty(t, f.publisher.messages)
		})
	}
}

func TestConfirmBankRedirect_GrantFailureRollsBack(t *testing.T) {
	f := newServiceFixture(t)
	f.seedPending(42, domain.PaymentProviderBankRedirect)
	f.granter.err = errors.New("deadlock detected")

	_, _, err := f.service.ConfirmBankRedirect(context.Background(), signedResult(t, "5000.00", 42, "7"))
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.True(t, f.repo.lastTx().RolledBack)
	assert.Empty(t, f.publisher.messages)
}

func TestConfirmBankRedirect_PublishFailureKeepsSettlement(t *testing.T) {
	f := newServiceFixture(t)
	f.seedPending(42, domain.PaymentProviderBankRedirect)
	f.publisher.err = errors.New("nats: no responders")

	_, outcome, err := f.service.ConfirmBankRedirect(context.Background(), signedResult(t, "5000.00", 42, "7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Equal(t, domain.PaymentStatusSuccess, f.repo.get(42).Status)
}

func TestReconcilePending_RepublishesLostEvent(t *testing.T) {
	f := newServiceFixture(t)
	f.seedPending(42, domain.PaymentProviderBankRedirect)
	f.publisher.err = errors.New("nats: no responders")

	_, outcome, err := f.service.ConfirmBankRedirect(context.Background(), signedResult(t, "5000.00", 42, "7"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, outcome)

	f.publisher.err = nil

	// The provider retries the callback; settlement is idempotent and does not publish.
	_, outcome, err = f.service.ConfirmBankRedirect(context.Background(), signedResult(t, "5000.00", 42, "7"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadySettled, outcome)
	require.Empty(t, f.publisher.messages)

	// Too recent: the live consumer may still be working on it.
	result, err := f.service.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Republished)
	assert.Empty(t, f.publisher.messages)

	f.now = f.now.Add(5 * time.Minute)
	result, err = f.service.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Republished)
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, "payment.succeeded:42", f.publisher.messages[0].MsgID)
	assert.Equal(t, int64(42), f.publisher.messages[0].Event.PaymentID)

	// The consumer stamps processed_at; later runs leave it alone.
	claimed, err := f.repo.ClaimProcessedTx(context.Background(), nil, 42, f.now)
	require.NoError(t, err)
	require.True(t, claimed)

	f.now = f.now.Add(5 * time.Minute)
	result, err = f.service.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Republished)
	assert.Len(t, f.publisher.messages, 1)
}

func TestReconcilePending_RepublishFailureIsReported(t *testing.T) {
	f := newServiceFixture(t)
	paidAt := f.now.Add(-time.Hour)
	f.repo.seed(domain.Payment{
		ID: 42, UserID: 7, Provider: domain.PaymentProviderBankRedirect,
		Amount: decimal.RequireFromString("5000.00"), Currency: "KZT",
		Status: domain.PaymentStatusSuccess, PaidAt: &paidAt,
	})
	f.publisher.err = errors.New("nats: timeout")

	_, err := f.service.ReconcilePending(context.Background())
	require.Error(t, err)
	assert.Nil(t, f.repo.get(42).ProcessedAt)
}

func cryptoBody(t *testing.T, updateType string, invoice map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"update_id":    1,
		"update_type":  updateType,
		"request_date": "2026-01-10T12:00:00.000Z",
		"payload":      invoice,
	})
	require.NoError(t, err)
	return body
}

func paidInvoice(id int64, payload string) map[string]any {
	return map[string]any{
		"invoice_id": id,
		"status":     "paid",
		"fiat":       "KZT",
		"amount":     "5000.00",
		"payload":    payload,
	}
}

func (f *serviceFixture) seedCrypto(id int64, invoiceID, payload string) {
	p := f.seedPending(id, domain.PaymentProviderCryptoInvoice)
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	stored := f.repo.payments[p.ID]
	if invoiceID != "" {
		stored.ProviderInvoiceID = &invoiceID
	}
	if payload != "" {
		stored.ProviderPayload = &payload
	}
}

func TestConfirmCryptoWebhook(t *testing.T) {
	f := newServiceFixture(t)
	f.seedCrypto(42, "777", "pay:42")

	outcome, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", paidInvoice(777, "pay:42")), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)

	stored := f.repo.get(42)
	assert.Equal(t, domain.PaymentStatusSuccess, stored.Status)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(stored.RawCallback, &raw))
	assert.Equal(t, "valid", raw["signature"])
	assert.Contains(t, raw, "update")

	require.Len(t, f.publisher.messages, 1)

	outcome, err = f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", paidInvoice(777, "pay:42")), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)
	assert.Len(t, f.publisher.messages, 1)
}

func TestConfirmCryptoWebhook_Lookup(t *testing.T) {
	tests := []struct {
		name      string
		invoiceID string
		payload   string
		body      map[string]any
	}{
		{name: "by payload", payload: "pay:42", body: paidInvoice(999, "pay:42")},
		{name: "by payment id in payload", body: paidInvoice(999, "pay:42")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.seedCrypto(42, tt.invoiceID, tt.payload)

			outcome, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", tt.body), "valid")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSettled, outcome)

			stored := f.repo.get(42)
			require.NotNil(t, stored.ProviderInvoiceID)
			assert.Equal(t, "999", *stored.ProviderInvoiceID)
		})
	}
}

func TestConfirmCryptoWebhook_IgnoredAndRejected(t *testing.T) {
	wrongAmount := paidInvoice(777, "pay:42")
	wrongAmount["amount"] = "4999.99"
	wrongFiat := paidInvoice(777, "pay:42")
	wrongFiat["fiat"] = "USD"
	active := paidInvoice(777, "pay:42")
	active["status"] = "active"

	tests := []struct {
		name        string
		body        []byte
		signature   string
		wantOutcome Outcome
		wantErr     error
	}{
		{name: "bad signature", body: []byte(`{}`), signature: "forged", wantErr: ErrInvalidSignature},
		{name: "malformed json", body: []byte(`{`), signature: "valid", wantErr: ErrInvalidPayload},
		{name: "other update type", body: []byte(`{"update_type":"invoice_created","payload":{}}`), signature: "valid", wantOutcome: OutcomeIgnored},
		{name: "not paid yet", body: nil, signature: "valid", wantOutcome: OutcomeIgnored},
		{name: "wrong amount", body: nil, signature: "valid", wantErr: ErrAmountMismatch},
		{name: "wrong fiat", body: nil, signature: "valid", wantErr: ErrCurrencyMismatch},
		{name: "unknown invoice", body: nil, signature: "valid", wantErr: ErrPaymentNotFound},
	}

	bodies := map[string]map[string]any{
		"not paid yet":    active,
		"wrong amount":    wrongAmount,
		"wrong fiat":      wrongFiat,
		"unknown invoice": paidInvoice(555, "pay:999"),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.seedCrypto(42, "777", "pay:42")

			body := tt.body
			if body == nil {
				body = cryptoBody(t, "invoice_paid", bodies[tt.name])
			}

			outcome, err := f.service.ConfirmCryptoWebhook(context.Background(), body, tt.signature)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsRejection(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantOutcome, outcome)
			}
			assert.Equal(t, domain.PaymentStatusPending, f.repo.get(42).Status)
			assert.Empty(t, f.publisher.messages)
		})
	}
}

func TestConfirmCryptoWebhook_Recheck(t *testing.T) {
	t.Run("not paid at provider", func(t *testing.T) {
		f := newServiceFixture(t, func(c *Config) { c.RecheckInvoice = true })
		f.seedCrypto(42, "777", "pay:42")
		f.invoices.invoices[777] = cryptopay.Invoice{InvoiceID: 777, Status: cryptopay.StatusActive}

		_, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", paidInvoice(777, "pay:42")), "valid")
		require.ErrorIs(t, err, ErrInvoiceNotPaid)
		assert.Equal(t, domain.PaymentStatusPending, f.repo.get(42).Status)
	})

	t.Run("api failure settles on signature", func(t *testing.T) {
		f := newServiceFixture(t, func(c *Config) { c.RecheckInvoice = true })
		f.seedCrypto(42, "777", "pay:42")
		f.invoices.getErr = &cryptopay.RetryableError{Message: "timeout"}

		outcome, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", paidInvoice(777, "pay:42")), "valid")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, outcome)
		assert.Equal(t, 1, f.invoices.getCalls)
	})
}

func TestConfirmCryptoWebhook_AssetPricedPayment(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.seed(domain.Payment{
		ID:       50,
		UserID:   7,
		Provider: domain.PaymentProviderCryptoInvoice,
		Amount:   decimal.RequireFromString("12.123456789"),
		Currency: "TON",
		Status:   domain.PaymentStatusPending,
	})
	_ = f.repo.AttachInvoice(context.Background(), 50, "800", "pay:50")

	invoice := map[string]any{"invoice_id": 800, "status": "paid", "asset": "TON", "amount": "12.123456788", "payload": "pay:50"}
	_, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", invoice), "valid")
	require.ErrorIs(t, err, ErrAmountMismatch)

	invoice["amount"] = "12.1234567890"
	outcome, err := f.service.ConfirmCryptoWebhook(context.Background(), cryptoBody(t, "invoice_paid", invoice), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
}

func TestReconcilePending(t *testing.T) {
	f := newServiceFixture(t)
	f.seedCrypto(1, "701", "pay:1") // paid
	f.seedCrypto(2, "702", "pay:2") // expired
	f.seedCrypto(3, "703", "pay:3") // still active
	f.seedCrypto(4, "", "")         // invoice never attached
	fresh := f.repo.seed(domain.Payment{
		ID: 5, UserID: 9, Provider: domain.PaymentProviderCryptoInvoice,
		Amount: decimal.NewFromInt(5000), Currency: "KZT", Status: domain.PaymentStatusPending,
		CreatedAt: f.now,
	})
	_ = f.repo.AttachInvoice(context.Background(), fresh.ID, "705", "pay:5")

	f.invoices.invoices[701] = cryptopay.Invoice{InvoiceID: 701, Status: cryptopay.StatusPaid, Fiat: "KZT", Amount: decimal.NewFromInt(5000), Payload: "pay:1"}
	f.invoices.invoices[702] = cryptopay.Invoice{InvoiceID: 702, Status: cryptopay.StatusExpired, Fiat: "KZT", Amount: decimal.NewFromInt(5000)}
	f.invoices.invoices[703] = cryptopay.Invoice{InvoiceID: 703, Status: cryptopay.StatusActive, Fiat: "KZT", Amount: decimal.NewFromInt(5000)}
	f.invoices.invoices[705] = cryptopay.Invoice{InvoiceID: 705, Status: cryptopay.StatusPaid, Fiat: "KZT", Amount: decimal.NewFromInt(5000)}

	result, err := f.service.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ReconcileResult{Checked: 3, Settled: 1, Failed: 1}, result)

	assert.Equal(t, domain.PaymentStatusSuccess, f.repo.get(1).Status)
	assert.Equal(t, domain.PaymentStatusFailed, f.repo.get(2).Status)
	assert.Equal(t, domain.PaymentStatusPending, f.repo.get(3).Status)
	assert.Equal(t, domain.PaymentStatusPending, f.repo.get(4).Status)
	assert.Equal(t, domain.PaymentStatusPending, f.repo.get(5).Status, "younger than the minimum age")

	assert.True(t, f.repo.lastTx().Committed)
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, "payment.succeeded:1", f.publisher.messages[0].MsgID)
}

func TestReconcilePending_ProviderDown(t *testing.T) {
	f := newServiceFixture(t)
	f.seedCrypto(1, "701", "pay:1")
	f.invoices.getErr = &cryptopay.RetryableError{Code: 503, Message: "unavailable"}

	_, err := f.service.ReconcilePending(context.Background())
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, domain.PaymentStatusPending, f.repo.get(1).Status)
}

func TestReconcilePending_GrantFailureRollsBackBatch(t *testing.T) {
	f := newServiceFixture(t)
	f.seedCrypto(1, "701", "pay:1")
	f.invoices.invoices[701] = cryptopay.Invoice{InvoiceID: 701, Status: cryptopay.StatusPaid, Fiat: "KZT", Amount: decimal.NewFromInt(5000)}
	f.granter.err = errors.New("connection reset")

	_, err := f.service.ReconcilePending(context.Background())
	require.Error(t, err)
	assert.True(t, f.repo.lastTx().RolledBack)
	assert.Empty(t, f.publisher.messages)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(fmt.Errorf("wrap: %w", ErrAmountMismatch)))
	assert.True(t, IsRejection(ErrInvalidSignature))
	assert.False(t, IsRejection(ErrProviderUnavailable))
	assert.False(t, IsRejection(errors.New("io timeout")))
}
