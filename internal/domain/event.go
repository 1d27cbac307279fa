package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event subjects.
const (
	SubjectPaymentSucceeded = "payment.succeeded"
)

// PaymentSucceededEvent is published after a payment settlement commits.
// Consumers treat it as a hint and re-read the payment from the store.
type PaymentSucceededEvent struct {
	EventID   string          `json:"event_id" validate:"omitempty,uuid"`
	PaymentID int64           `json:"payment_id" validate:"required,gt=0"`
	UserID    int64           `json:"user_id" validate:"required"`
	Provider  PaymentProvider `json:"provider" validate:"required,oneof=bank_redirect crypto_invoice"`
	Amount    string          `json:"amount" validate:"required"`
	Currency  string          `json:"currency" validate:"required"`
	PaidAt    time.Time       `json:"paid_at" validate:"required"`
}

// NewPaymentSucceededEvent builds the event for a settled payment.
func NewPaymentSucceededEvent(p *Payment) PaymentSucceededEvent {
	paidAt := time.Now().UTC()
	if p.PaidAt != nil {
		paidAt = p.PaidAt.UTC()
	}
	return PaymentSucceededEvent{
		EventID:   uuid.NewString(),
		PaymentID: p.ID,
		UserID:    p.UserID,
		Provider:  p.Provider,
		Amount:    p.AmountString(),
		Currency:  p.Currency,
		PaidAt:    paidAt.Truncate(time.Second),
	}
}

// DedupID returns the broker de-duplication key. Retried publishes of the
// same settlement share it.
func (e PaymentSucceededEvent) DedupID() string {
	return SubjectPaymentSucceeded + ":" + strconv.FormatInt(e.PaymentID, 10)
}
