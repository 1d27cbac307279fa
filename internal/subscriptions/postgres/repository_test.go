package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/subscriptions"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var subscriptionRowColumns = []string{
	"id", "user_id", "channel_id", "start_at", "end_at", "status",
	"revoked_at", "revoked_reason", "created_at", "updated_at",
}

type RepositoryTestSuite struct {
	suite.Suite
	mock pgxmock.PgxPoolIface
	repo *Repository
	ctx  context.Context
	now  time.Time
}

func (s *RepositoryTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	require.NoError(s.T(), err)
	s.mock = mock
	s.repo = NewRepository(mock)
	s.ctx = context.Background()
	s.now = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
}

func (s *RepositoryTestSuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
	s.mock.Close()
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func (s *RepositoryTestSuite) row(id, userID int64, endAt time.Time, status domain.SubscriptionStatus) []any {
	return []any{
		id, userID, int64(-100), s.now, endAt, status,
		(*time.Time)(nil), (*string)(nil), s.now, s.now,
	}
}

func (s *RepositoryTestSuite) TestGetActive_Found() {
	s.mock.ExpectQuery(`FROM subscriptions\s+WHERE user_id = \$1 AND channel_id = \$2 AND status = 'active'`).
		WithArgs(int64(7), int64(-100)).
		WillReturnRows(pgxmock.NewRows(subscriptionRowColumns).
			AddRow(s.row(1, 7, s.now.Add(time.Hour), domain.SubscriptionStatusActive)...))

	sub, err := s.repo.GetActive(s.ctx, 7, -100)
	s.Require().NoError(err)
	s.Equal(int64(1), sub.ID)
	s.Equal(domain.SubscriptionStatusActive, sub.Status)
}

func (s *RepositoryTestSuite) TestGetActive_NotFound() {
	s.mock.ExpectQuery(`FROM subscriptions`).
		WithArgs(int64(7), int64(-100)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.repo.GetActive(s.ctx, 7, -100)
	s.ErrorIs(err, subscriptions.ErrSubscriptionNotFound)
}

func (s *RepositoryTestSuite) TestUpsertActive() {
	params := subscriptions.UpsertParams{
		UserID:    7,
		ChannelID: -100,
		StartAt:   s.now,
		Period:    90 * 24 * time.Hour,
	}

	s.mock.ExpectQuery(`INSERT INTO subscriptions .+ ON CONFLICT \(user_id, channel_id\) WHERE status = 'active'\s+DO UPDATE SET\s+end_at = GREATEST\(subscriptions.end_at, EXCLUDED.start_at\)`).
		WithArgs(int64(7), int64(-100), s.now, params.Period.Seconds()).
		WillReturnRows(pgxmock.NewRows(subscriptionRowColumns).
			AddRow(s.row(3, 7, s.now.Add(params.Period), domain.SubscriptionStatusActive)...))

	sub, err := s.repo.UpsertActive(s.ctx, params)
	s.Require().NoError(err)
	s.Equal(s.now.Add(params.Period), sub.EndAt)
}

func (s *RepositoryTestSuite) TestUpsertActiveTx_UsesTransaction() {
	params := subscriptions.UpsertParams{UserID: 7, ChannelID: -100, StartAt: s.now, Period: time.Hour}

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(int64(7), int64(-100), s.now, float64(3600)).
		WillReturnRows(pgxmock.NewRows(subscriptionRowColumns).
			AddRow(s.row(3, 7, s.now.Add(time.Hour), domain.SubscriptionStatusActive)...))
	s.mock.ExpectCommit()

	tx, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	_, err = s.repo.UpsertActiveTx(s.ctx, tx, params)
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit(s.ctx))
}

func (s *RepositoryTestSuite) TestUpsertActive_Error() {
	s.mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnError(errors.New("deadlock detected"))

	_, err := s.repo.UpsertActive(s.ctx, subscriptions.UpsertParams{UserID: 1, ChannelID: 1, StartAt: s.now, Period: time.Hour})
	s.Require().Error(err)
	s.Contains(err.Error(), "upsert active subscription")
}

func (s *RepositoryTestSuite) TestRevoke_NoActiveRow() {
	s.mock.ExpectQuery(`UPDATE subscriptions\s+SET status = 'revoked'`).
		WithArgs(int64(7), int64(-100), s.now, "refund").
		WillReturnError(pgx.ErrNoRows)

	sub, err := s.repo.Revoke(s.ctx, 7, -100, "refund", s.now)
	s.NoError(err)
	s.Nil(sub)
}

func (s *RepositoryTestSuite) TestRevoke() {
	reason := "refund"
	row := s.row(1, 7, s.now.Add(time.Hour), domain.SubscriptionStatusRevoked)
	row[6] = &s.now
	row[7] = &reason

	s.mock.ExpectQuery(`UPDATE subscriptions\s+SET status = 'revoked'`).
		WithArgs(int64(7), int64(-100), s.now, reason).
		WillReturnRows(pgxmock.NewRows(subscriptionRowColumns).AddRow(row...))

	sub, err := s.repo.Revoke(s.ctx, 7, -100, reason, s.now)
	s.Require().NoError(err)
	s.Equal(domain.SubscriptionStatusRevoked, sub.Status)
	s.Equal(reason, *sub.RevokedReason)
}

func (s *RepositoryTestSuite) TestMarkExpired() {
	s.mock.ExpectQuery(`UPDATE subscriptions\s+SET status = 'expired'.+FOR UPDATE SKIP LOCKED`).
		WithArgs(s.now, 100).
		WillReturnRows(pgxmock.NewRows(subscriptionRowColumns).
			AddRow(s.row(1, 7, s.now.Add(-2*time.Hour), domain.SubscriptionStatusExpired)...).
			AddRow(s.row(2, 8, s.now.Add(-time.Hour), domain.SubscriptionStatusExpired)...))

	subs, err := s.repo.MarkExpired(s.ctx, s.now, 100)
	s.Require().NoError(err)
	s.Len(subs, 2)
}

func (s *RepositoryTestSuite) TestCountByStatus() {
	s.mock.ExpectQuery(`SELECT status, COUNT\(\*\)`).
		WithArgs(int64(-100)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(domain.SubscriptionStatusActive, 4).
			AddRow(domain.SubscriptionStatusExpired, 2))

	counts, err := s.repo.CountByStatus(s.ctx, -100)
	s.Require().NoError(err)
	s.Equal(4, counts[domain.SubscriptionStatusActive])
	s.Equal(2, counts[domain.SubscriptionStatusExpired])
	s.Equal(0, counts[domain.SubscriptionStatusRevoked])
}

func (s *RepositoryTestSuite) TestLatestAccess_NotFound() {
	s.mock.ExpectQuery(`FROM subscription_access`).
		WithArgs(int64(1)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.repo.LatestAccess(s.ctx, 1)
	s.ErrorIs(err, subscriptions.ErrAccessNotFound)
}

func (s *RepositoryTestSuite) TestCreateAccessTx() {
	access := &domain.SubscriptionAccess{
		SubscriptionID: 1,
		InviteLink:     "https://t.me/+abc",
		ExpireAt:       s.now.Add(time.Hour),
		MemberLimit:    1,
		CreatedAt:      s.now,
	}

	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`INSERT INTO subscription_access`).
		WithArgs(int64(1), "https://t.me/+abc", access.ExpireAt, 1, s.now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	s.mock.ExpectRollback()

	tx, err := s.repo.BeginTx(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.CreateAccessTx(s.ctx, tx, access))
	s.Equal(int64(11), access.ID)
	s.Require().NoError(tx.Rollback(s.ctx))
}
