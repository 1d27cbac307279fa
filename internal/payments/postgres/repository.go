// Package postgres provides PostgreSQL implementation of the payments repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, user_id, provider, amount::text, currency, status,
	provider_payment_id, provider_invoice_id, provider_payload, signature_verified,
	raw_callback::text, failure_reason, created_at, updated_at, paid_at, processed_at`

// Repository implements the payments.Repository interface using PostgreSQL.
type Repository struct {
	db postgres.DB
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending payment.
func (r *Repository) Create(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (user_id, provider, amount, currency, status)
		VALUES ($1, $2, $3::numeric, $4, 'pending')
		RETURNING id, status, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, p.UserID, string(p.Provider), p.Amount.String(), p.Currency).
		Scan(&p.ID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// GetByID returns a payment by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.getOne(ctx, "get payment", query, id)
}

// FindByInvoiceID returns the payment holding the provider invoice.
func (r *Repository) FindByInvoiceID(ctx context.Context, provider domain.PaymentProvider, invoiceID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_invoice_id = $2`
	return r.getOne(ctx, "find payment by invoice", query, string(provider), invoiceID)
}

// FindByPayload returns the latest payment with the provider payload.
func (r *Repository) FindByPayload(ctx context.Context, provider domain.PaymentProvider, payload string) (*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE provider = $1 AND provider_payload = $2
		ORDER BY id DESC
		LIMIT 1
	`
	return r.getOne(ctx, "find payment by payload", query, string(provider), payload)
}

// ListByUser returns the latest payments of the user.
func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.queryPayments(ctx, query, userID, limit)
}

// ListPending returns pending payments created before olderThan, oldest first.
func (r *Repository) ListPending(ctx context.Context, provider domain.PaymentProvider, olderThan time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE provider = $1 AND status = 'pending' AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`
	return r.queryPayments(ctx, query, string(provider), olderThan, limit)
}

// AttachInvoice stores the provider invoice id and payload.
func (r *Repository) AttachInvoice(ctx context.Context, id int64, invoiceID, payload string) error {
	query := `
		UPDATE payments
		SET provider_invoice_id = $2, provider_payload = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, invoiceID, payload)
	if err != nil {
		return fmt.Errorf("attach invoice: %w", err)
	}
	if result.RowsAffected() == 0 {
		return payments.ErrPaymentNotFound
	}
	return nil
}

// MarkFailed moves a pending payment to failed.
func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string, raw json.RawMessage) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'failed', failure_reason = $2, raw_callback = COALESCE($3::jsonb, raw_callback), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, reason, jsonArg(raw))
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListUnprocessed returns settled payments whose event was never processed.
func (r *Repository) ListUnprocessed(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'success' AND processed_at IS NULL AND paid_at < $1
		ORDER BY paid_at, id
		LIMIT $2
	`
	return r.queryPayments(ctx, query, paidBefore, limit)
}

// BeginTx starts a transaction.
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// SettleTx moves a pending payment to success. The status guard makes
// concurrent confirmations of the same payment settle it once.
func (r *Repository) SettleTx(ctx context.Context, tx pgx.Tx, s domain.Settlement) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'success',
		    signature_verified = TRUE,
		    paid_at = $2,
		    raw_callback = $3::jsonb,
		    provider_payment_id = COALESCE(provider_payment_id, $4),
		    provider_invoice_id = COALESCE(provider_invoice_id, $5),
		    provider_payload = COALESCE(provider_payload, $6),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, query,
		s.PaymentID, s.PaidAt, jsonArg(s.RawCallback),
		s.ProviderPaymentID, s.ProviderInvoiceID, s.ProviderPayload,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payments.ErrPaymentNotPending
		}
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	return p, nil
}

// LockForProcessingTx locks the payment row for the rest of tx. NOWAIT turns a
// concurrent holder into ErrPaymentBusy instead of a blocked consumer.
func (r *Repository) LockForProcessingTx(ctx context.Context, tx pgx.Tx, id int64) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE NOWAIT`
	p, err := scanPayment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payments.ErrPaymentNotFound
		}
		if postgres.IsLockNotAvailable(err) {
			return nil, payments.ErrPaymentBusy
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return p, nil
}

// ClaimProcessedTx stamps processed_at on a settled payment exactly once.
func (r *Repository) ClaimProcessedTx(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET processed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'success' AND processed_at IS NULL
	`
	result, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("claim processed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) getOne(ctx context.Context, op, query string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payments.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (r *Repository) queryPayments(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var amount string
	var raw *string
	err := row.Scan(
		&p.ID, &p.UserID, &p.Provider, &amount, &p.Currency, &p.Status,
		&p.ProviderPaymentID, &p.ProviderInvoiceID, &p.ProviderPayload, &p.SignatureVerified,
		&raw, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt, &p.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if raw != nil {
		p.RawCallback = json.RawMessage(*raw)
	}
	return &p, nil
}

func jsonArg(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
