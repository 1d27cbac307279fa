package payments

import "errors"

// Authentication errors. Always rejected, never retried on our side.
var (
	ErrInvalidSignature = errors.New("invalid signature")
)

// Validation errors. The input can never succeed as is.
var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidUser     = errors.New("user id must be positive")
)

// Business rejections. No state is mutated.
var (
	ErrAmountMismatch    = errors.New("amount mismatch")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrUserMismatch      = errors.New("user mismatch")
	ErrPaymentNotPending = errors.New("payment is not pending")
	ErrInvoiceNotPaid    = errors.New("invoice is not paid")
)

// Configuration and transient errors.
var (
	ErrProviderNotConfigured = errors.New("payment provider is not configured")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrPaymentBusy           = errors.New("payment is locked by another transaction")
)

var rejections = []error{
	ErrInvalidSignature,
	ErrPaymentNotFound,
	ErrInvalidPayload,
	ErrInvalidUser,
	ErrAmountMismatch,
	ErrCurrencyMismatch,
	ErrUserMismatch,
	ErrPaymentNotPending,
	ErrInvoiceNotPaid,
}

// IsRejection reports whether err is an authentication, validation or
// business failure. Anything else is transient and worth retrying.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
