//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments"
	pkgpostgres "github.com/bissquit/channel-access/internal/pkg/postgres"
	"github.com/bissquit/channel-access/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type RepositoryIntegrationSuite struct {
	suite.Suite
	container *testutil.PostgresContainer
	pool      *pgxpool.Pool
	repo      *Repository
	ctx       context.Context
}

func TestRepositoryIntegration(t *testing.T) {
	suite.Run(t, new(RepositoryIntegrationSuite))
}

func (s *RepositoryIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := testutil.NewPostgresContainer(s.ctx)
	s.Require().NoError(err)
	s.container = container

	pool, err := container.NewMigratedPool(s.ctx)
	s.Require().NoError(err)
	s.pool = pool
	s.repo = NewRepository(pool)
}

func (s *RepositoryIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(s.ctx))
	}
}

func (s *RepositoryIntegrationSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE payments RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *RepositoryIntegrationSuite) createPending(provider domain.PaymentProvider, amount string) *domain.Payment {
	p := &domain.Payment{
		UserID:   7,
		Provider: provider,
		Amount:   decimal.RequireFromString(amount),
		Currency: "KZT",
	}
	s.Require().NoError(s.repo.Create(s.ctx, p))
	return p
}

func (s *RepositoryIntegrationSuite) settle(id int64) (*domain.Payment, error) {
	tx, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	defer pkgpostgres.Rollback(s.ctx, tx)

	p, err := s.repo.SettleTx(s.ctx, tx, domain.Settlement{
		PaymentID:   id,
		PaidAt:      time.Now().UTC(),
		RawCallback: json.RawMessage(`{"OutSum":"5000.00"}`),
	})
	if err != nil {
		return nil, err
	}
	return p, tx.Commit(s.ctx)
}

func (s *RepositoryIntegrationSuite) TestCreateAndGet() {
	created := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")
	s.Positive(created.ID)
	s.Equal(domain.PaymentStatusPending, created.Status)

	got, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.True(got.Amount.Equal(decimal.RequireFromString("5000")))
	s.Nil(got.PaidAt)

	_, err = s.repo.GetByID(s.ctx, created.ID+1000)
	s.ErrorIs(err, payments.ErrPaymentNotFound)
}

func (s *RepositoryIntegrationSuite) TestSettleOnlyOnce() {
	p := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.settle(p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, payments.ErrPaymentNotPending):
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, settled)
	s.Equal(n-1, rejected)

	got, err := s.repo.GetByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusSuccess, got.Status)
	s.True(got.SignatureVerified)
	s.NotNil(got.PaidAt)
}

func (s *RepositoryIntegrationSuite) claim(id int64) (bool, error) {
	tx, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	defer pkgpostgres.Rollback(s.ctx, tx)

	claimed, err := s.repo.ClaimProcessedTx(s.ctx, tx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return claimed, tx.Commit(s.ctx)
}

func (s *RepositoryIntegrationSuite) TestClaimProcessedOnce() {
	p := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")

	claimed, err := s.claim(p.ID)
	s.Require().NoError(err)
	s.False(claimed, "pending payments cannot be claimed")

	_, err = s.settle(p.ID)
	s.Require().NoError(err)

	claimed, err = s.claim(p.ID)
	s.Require().NoError(err)
	s.True(claimed)

	claimed, err = s.claim(p.ID)
	s.Require().NoError(err)
	s.False(claimed)
}

func (s *RepositoryIntegrationSuite) TestLockForProcessingIsExclusive() {
	p := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")
	_, err := s.settle(p.ID)
	s.Require().NoError(err)

	holder, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	defer pkgpostgres.Rollback(s.ctx, holder)

	locked, err := s.repo.LockForProcessingTx(s.ctx, holder, p.ID)
	s.Require().NoError(err)
	s.Nil(locked.ProcessedAt)

	other, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	_, err = s.repo.LockForProcessingTx(s.ctx, other, p.ID)
	s.ErrorIs(err, payments.ErrPaymentBusy)
	pkgpostgres.Rollback(s.ctx, other)

	claimed, err := s.repo.ClaimProcessedTx(s.ctx, holder, p.ID, time.Now().UTC())
	s.Require().NoError(err)
	s.True(claimed)
	s.Require().NoError(holder.Commit(s.ctx))

	got, err := s.repo.GetByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.NotNil(got.ProcessedAt)
}

func (s *RepositoryIntegrationSuite) TestListUnprocessed() {
	processed := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")
	unprocessed := s.createPending(domain.PaymentProviderBankRedirect, "5000.00")
	s.createPending(domain.PaymentProviderBankRedirect, "5000.00")

	for _, id := range []int64{processed.ID, unprocessed.ID} {
		_, err := s.settle(id)
		s.Require().NoError(err)
	}
	claimed, err := s.claim(processed.ID)
	s.Require().NoError(err)
	s.True(claimed)

	list, err := s.repo.ListUnprocessed(s.ctx, time.Now().Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(unprocessed.ID, list[0].ID)

	list, err = s.repo.ListUnprocessed(s.ctx, time.Now().Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(list, "recently paid payments are left to the live consumer")
}

func (s *RepositoryIntegrationSuite) TestInvoiceLookupAndPending() {
	p := s.createPending(domain.PaymentProviderCryptoInvoice, "5000.00")
	s.Require().NoError(s.repo.AttachInvoice(s.ctx, p.ID, "777", "pay:1"))

	byInvoice, err := s.repo.FindByInvoiceID(s.ctx, domain.PaymentProviderCryptoInvoice, "777")
	s.Require().NoError(err)
	s.Equal(p.ID, byInvoice.ID)

	byPayload, err := s.repo.FindByPayload(s.ctx, domain.PaymentProviderCryptoInvoice, "pay:1")
	s.Require().NoError(err)
	s.Equal(p.ID, byPayload.ID)

	other := s.createPending(domain.PaymentProviderCryptoInvoice, "5000.00")
	s.Error(s.repo.AttachInvoice(s.ctx, other.ID, "777", "pay:2"), "invoice ids are unique per provider")

	pending, err := s.repo.ListPending(s.ctx, domain.PaymentProviderCryptoInvoice, time.Now().Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Len(pending, 2)

	failed, err := s.repo.MarkFailed(s.ctx, other.ID, "invoice expired", nil)
	s.Require().NoError(err)
	s.True(failed)

	pending, err = s.repo.ListPending(s.ctx, domain.PaymentProviderCryptoInvoice, time.Now().Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Len(pending, 1)
}

func (s *RepositoryIntegrationSuite) TestAssetPrecisionIsStored() {
	p := s.createPending(domain.PaymentProviderCryptoInvoice, "12.345678912")

	got, err := s.repo.GetByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal("12.345678912", got.Amount.String())
}
