package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram rate limit: retry after %s: %s", e.RetryAfter, e.Message)
}

// IsRetryable returns true as rate limits are temporary.
func (e *RateLimitError) IsRetryable() bool { return true }

// PermanentError indicates a request that will fail again if retried,
// for example a user who blocked the bot.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("telegram error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("telegram error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// IsRetryable reports whether the request may succeed on retry.
// Unknown errors are treated as retryable.
func IsRetryable(err error) bool {
	var permanent *PermanentError
	return !errors.As(err, &permanent)
}

// GetRetryAfter returns the delay requested by Telegram, or zero.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

var notMemberMarkers = []string{
	"not a member",
	"user not found",
	"participant_id_invalid",
	"user_not_participant",
}

// IsNotMember reports whether the error means the user is not in the chat.
func IsNotMember(err error) bool {
	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		return false
	}
	msg := strings.ToLower(permanent.Message)
	for _, marker := range notMemberMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
