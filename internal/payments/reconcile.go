package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments/cryptopay"
	"github.com/bissquit/channel-access/internal/pkg/postgres"
)

// ReconcileResult summarizes one reconciliation run.
type ReconcileResult struct {
	Checked     int `json:"checked"`
	Settled     int `json:"settled"`
	Failed      int `json:"failed"`
	Republished int `json:"republished"`
}

// ReconcilePending polls the crypto-invoice provider for aged pending payments.
// Paid invoices settle in one transaction and their events are published after
// it commits. Expired invoices mark the payment failed.
//
// It then republishes the event of every settled payment that was never
// processed, so an event lost after the settlement commit still reaches the
// consumer. The broker drops copies of events that did land.
func (s *Service) ReconcilePending(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	settled, invoiceErr := s.reconcileInvoices(ctx, result)
	republishErr := s.republishUnprocessed(ctx, result, settled)
	if err := errors.Join(invoiceErr, republishErr); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileInvoices returns the IDs it settled; their events were just published.
func (s *Service) reconcileInvoices(ctx context.Context, result *ReconcileResult) (map[int64]bool, error) {
	if s.crypto == nil {
		return nil, nil
	}

	cutoff := s.now().Add(-s.config.ReconcileMinAge)
	pending, err := s.repo.ListPending(ctx, domain.PaymentProviderCryptoInvoice, cutoff, s.config.ReconcileBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	byInvoice := make(map[int64]*domain.Payment, len(pending))
	ids := make([]int64, 0, len(pending))
	for i := range pending {
		p := &pending[i]
		if p.ProviderInvoiceID == nil {
			continue
		}
		id, err := strconv.ParseInt(*p.ProviderInvoiceID, 10, 64)
		if err != nil {
			slog.Warn("pending payment has malformed invoice id", "payment_id", p.ID)
			continue
		}
		byInvoice[id] = p
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	invoices, err := s.crypto.GetInvoices(callCtx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer postgres.Rollback(ctx, tx)

	var settled []*domain.Payment
	var expired []*domain.Payment

	for i := range invoices {
		inv := &invoices[i]
		p, ok := byInvoice[inv.InvoiceID]
		if !ok {
			continue
		}
		result.Checked++

		switch inv.Status {
		case cryptopay.StatusPaid:
			if err := s.checkInvoiceAmount(p, inv); err != nil {
				slog.Warn("reconciled invoice rejected", "payment_id", p.ID, "invoice_id", inv.InvoiceID, "error", err)
				reconcileTotal.WithLabelValues("rejected").Inc()
				continue
			}

			raw, err := json.Marshal(struct {
				Source  string             `json:"source"`
				Invoice *cryptopay.Invoice `json:"invoice"`
			}{Source: sourceReconcile, Invoice: inv})
			if err != nil {
				return nil, fmt.Errorf("encode invoice: %w", err)
			}

			sp, err := s.settleTx(ctx, tx, s.invoiceSettlement(p, inv, raw))
			if errors.Is(err, ErrPaymentNotPending) {
				// A webhook settled it concurrently.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("settle payment %d: %w", p.ID, err)
			}
			settled = append(settled, sp)

		case cryptopay.StatusExpired:
			expired = append(expired, p)

		default:
			reconcileTotal.WithLabelValues("pending").Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconciliation: %w", err)
	}

	settledIDs := make(map[int64]bool, len(settled))
	for _, p := range settled {
		result.Settled++
		settledIDs[p.ID] = true
		reconcileTotal.WithLabelValues("settled").Inc()
		recordConfirmation(p.Provider, sourceReconcile, string(OutcomeSettled))
		slog.Info("payment settled by reconciliation", "payment_id", p.ID, "user_id", p.UserID)
		// A failure here is retried by the republish pass of the next run.
		_ = s.publish(ctx, p)
	}

	for _, p := range expired {
		raw, _ := json.Marshal(map[string]string{"source": sourceReconcile, "status": cryptopay.StatusExpired})
		ok, err := s.repo.MarkFailed(ctx, p.ID, "invoice expired", raw)
		if err != nil {
			slog.Error("failed to mark expired invoice payment", "payment_id", p.ID, "error", err)
			continue
		}
		if ok {
			result.Failed++
			reconcileTotal.WithLabelValues("expired").Inc()
		}
	}

	return settledIDs, nil
}

// republishUnprocessed publishes again the events of settled payments the
// consumer never stamped. Payments younger than ReconcileMinAge are left to
// the live consumer.
func (s *Service) republishUnprocessed(ctx context.Context, result *ReconcileResult, skip map[int64]bool) error {
	if s.publisher == nil {
		return nil
	}

	cutoff := s.now().Add(-s.config.ReconcileMinAge)
	unprocessed, err := s.repo.ListUnprocessed(ctx, cutoff, s.config.ReconcileBatchSize)
	if err != nil {
		return fmt.Errorf("list unprocessed payments: %w", err)
	}

	var failed int
	var lastErr error
	for i := range unprocessed {
		p := &unprocessed[i]
		if skip[p.ID] {
			continue
		}
		if err := s.publish(ctx, p); err != nil {
			failed++
			lastErr = err
			continue
		}
		result.Republished++
		reconcileTotal.WithLabelValues("republished").Inc()
		slog.Info("payment event republished", "payment_id", p.ID, "user_id", p.UserID)
	}

	if failed > 0 {
		return fmt.Errorf("republish %d payment events: %w", failed, lastErr)
	}
	return nil
}
