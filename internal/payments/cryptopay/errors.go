package cryptopay

import (
	"errors"
	"fmt"
)

// RetryableError is a transport failure, a 5xx or a 429 from the API.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("crypto pay error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("crypto pay error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// PermanentError is a rejected request, for example an invalid token or amount.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("crypto pay error %d: %s", e.Code, e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// IsRetryable reports whether a request may succeed on retry.
func IsRetryable(err error) bool {
	var permanent *PermanentError
	return !errors.As(err, &permanent)
}
