package subscriptions

import "errors"

// Repository errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAccessNotFound       = errors.New("subscription access not found")
)

// Business errors.
var (
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrRateLimited          = errors.New("invite link requested too often")
	ErrInvalidPeriod        = errors.New("grant period must be positive")
	ErrInvalidUser          = errors.New("user id must be positive")
	ErrChannelNotConfigured = errors.New("channel is not configured")
)
