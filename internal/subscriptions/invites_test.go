package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CreateInviteLink_RequiresActiveSubscription(t *testing.T) {
	svc, repo, channel, _ := newTestService(t)

	_, err := svc.CreateInviteLink(context.Background(), InviteInput{UserID: 1})

	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	assert.Zero(t, channel.invites)
	require.Len(t, repo.txs, 1)
	assert.True(t, repo.txs[0].RolledBack)
}

func TestService_CreateInviteLink_RateLimited(t *testing.T) {
	svc, repo, channel, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Extend(ctx, 1, 0, 30)
	require.NoError(t, err)

	first, err := svc.CreateInviteLink(ctx, InviteInput{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+invite1", first.Link)
	assert.Equal(t, clock.Now().Add(24*time.Hour), first.ExpiresAt)

	clock.Advance(30 * time.Second)
	_, err = svc.CreateInviteLink(ctx, InviteInput{UserID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	clock.Advance(31 * time.Second)
	second, err := svc.CreateInviteLink(ctx, InviteInput{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+invite2", second.Link)

	assert.Equal(t, 2, channel.invites)
	assert.Len(t, repo.accesses, 2)
	assert.True(t, repo.txs[0].Committed)
	assert.True(t, repo.txs[1].RolledBack)
	assert.True(t, repo.txs[2].Committed)
}

func TestService_CreateInviteLink_CustomInterval(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Extend(ctx, 1, 0, 30)
	require.NoError(t, err)

	_, err = svc.CreateInviteLink(ctx, InviteInput{UserID: 1, MinInterval: 5 * time.Minute})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = svc.CreateInviteLink(ctx, InviteInput{UserID: 1, MinInterval: 5 * time.Minute})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestService_CreateInviteLink_ExpiryCappedBySubscriptionEnd(t *testing.T) {
	svc, repo, _, clock := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Grant(ctx, GrantInput{UserID: 1, Period: 2 * time.Hour})
	require.NoError(t, err)

	invite, err := svc.CreateInviteLink(ctx, InviteInput{UserID: 1, TTL: 48 * time.Hour, MemberLimit: 3})
	require.NoError(t, err)

	assert.Equal(t, sub.EndAt, invite.ExpiresAt)
	require.Len(t, repo.accesses, 1)
	assert.Equal(t, 3, repo.accesses[0].MemberLimit)
	assert.Equal(t, clock.Now(), repo.accesses[0].CreatedAt)
}

func TestService_CreateInviteLink_ChannelError(t *testing.T) {
	svc, repo, channel, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Extend(ctx, 1, 0, 30)
	require.NoError(t, err)
	channel.inviteErr = errors.New("bot is not an admin")

	_, err = svc.CreateInviteLink(ctx, InviteInput{UserID: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Empty(t, repo.accesses)
	assert.True(t, repo.txs[0].RolledBack)
}

func TestService_LatestAccess(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Extend(ctx, 1, 0, 30)
	require.NoError(t, err)

	_, err = svc.LatestAccess(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrAccessNotFound)

	invite, err := svc.CreateInviteLink(ctx, InviteInput{UserID: 1})
	require.NoError(t, err)

	access, err := svc.LatestAccess(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, invite.Link, access.InviteLink)
}
