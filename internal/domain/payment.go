package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentProvider identifies the external provider that handles a payment.
type PaymentProvider string

// Payment providers.
const (
	PaymentProviderBankRedirect  PaymentProvider = "bank_redirect"
	PaymentProviderCryptoInvoice PaymentProvider = "crypto_invoice"
)

// PaymentStatus represents the settlement state of a payment.
type PaymentStatus string

// Payment statuses.
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusSuccess  PaymentStatus = "success"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusCanceled PaymentStatus = "canceled"
)

// Amount precision used when comparing provider amounts with stored ones.
const (
	FiatPrecision   int32 = 2
	CryptoPrecision int32 = 9
)

// Payment is one payment attempt with exactly one provider.
type Payment struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	Provider          PaymentProvider `json:"provider"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ProviderPaymentID *string         `json:"provider_payment_id,omitempty"`
	ProviderInvoiceID *string         `json:"provider_invoice_id,omitempty"`
	ProviderPayload   *string         `json:"provider_payload,omitempty"`
	SignatureVerified bool            `json:"signature_verified"`
	RawCallback       json.RawMessage `json:"-"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// AmountEqual compares an incoming amount with the stored one at the given precision.
func (p *Payment) AmountEqual(incoming decimal.Decimal, places int32) bool {
	return p.Amount.Round(places).Equal(incoming.Round(places))
}

// AmountString formats the amount with two places when that is exact and
// with up to CryptoPrecision places otherwise, so asset-priced amounts keep
// every significant digit.
func (p *Payment) AmountString() string {
	if p.Amount.Equal(p.Amount.Round(FiatPrecision)) {
		return p.Amount.StringFixed(FiatPrecision)
	}
	return p.Amount.Round(CryptoPrecision).String()
}

// Settlement carries the verified confirmation that moves a payment to success.
type Settlement struct {
	PaymentID         int64
	PaidAt            time.Time
	ProviderPaymentID *string
	ProviderInvoiceID *string
	ProviderPayload   *string
	RawCallback       json.RawMessage
}
