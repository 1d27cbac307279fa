package domain

import "time"

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

// Subscription statuses. Expired and revoked are terminal.
const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
	SubscriptionStatusRevoked SubscriptionStatus = "revoked"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusExpired || s == SubscriptionStatusRevoked
}

// Subscription represents continuous access to one channel for one user.
type Subscription struct {
	ID            int64              `json:"id"`
	UserID        int64              `json:"user_id"`
	ChannelID     int64              `json:"channel_id"`
	StartAt       time.Time          `json:"start_at"`
	EndAt         time.Time          `json:"end_at"`
	Status        SubscriptionStatus `json:"status"`
	RevokedAt     *time.Time         `json:"revoked_at,omitempty"`
	RevokedReason *string            `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// IsActiveAt reports whether the subscription grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && t.Before(s.EndAt)
}

// SubscriptionAccess is one issued invite link. Rows are append-only,
// only UsedAt may change after creation.
type SubscriptionAccess struct {
	ID             int64      `json:"id"`
	SubscriptionID int64      `json:"subscription_id"`
	InviteLink     string     `json:"invite_link"`
	ExpireAt       time.Time  `json:"expire_at"`
	MemberLimit    int        `json:"member_limit"`
	CreatedAt      time.Time  `json:"created_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
}

// IsUsableAt reports whether the link can still be handed to the user.
func (a *SubscriptionAccess) IsUsableAt(t time.Time) bool {
	return a.UsedAt == nil && t.Before(a.ExpireAt)
}
