package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Repository defines the interface for payment data access.
type Repository interface {
	// Create inserts a pending payment and fills its ID and timestamps.
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id int64) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error)
	FindByInvoiceID(ctx context.Context, provider domain.PaymentProvider, invoiceID string) (*domain.Payment, error)
	FindByPayload(ctx context.Context, provider domain.PaymentProvider, payload string) (*domain.Payment, error)
	AttachInvoice(ctx context.Context, id int64, invoiceID, payload string) error
	// MarkFailed moves a pending payment to failed. It reports false when the payment was not pending.
	MarkFailed(ctx context.Context, id int64, reason string, raw json.RawMessage) (bool, error)
	// ListPending returns pending payments of the provider created before olderThan, oldest first.
	ListPending(ctx context.Context, provider domain.PaymentProvider, olderThan time.Time, limit int) ([]domain.Payment, error)
	// ListUnprocessed returns settled payments paid before paidBefore whose
	// event was never processed, oldest first.
	ListUnprocessed(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Payment, error)

	BeginTx(ctx context.Context) (pgx.Tx, error)
	// SettleTx moves a pending payment to success. ErrPaymentNotPending when it is not pending.
	SettleTx(ctx context.Context, tx pgx.Tx, s domain.Settlement) (*domain.Payment, error)
	// LockForProcessingTx locks the payment row until tx ends. ErrPaymentBusy
	// when another transaction holds it.
	LockForProcessingTx(ctx context.Context, tx pgx.Tx, id int64) (*domain.Payment, error)
	// ClaimProcessedTx stamps processed_at once. It reports false when it was already set.
	ClaimProcessedTx(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error)
}
