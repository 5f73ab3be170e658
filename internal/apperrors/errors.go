// Package apperrors defines the standardized error kinds shared across the trader.
package apperrors

import "errors"

// Exchange-facing errors. Venue adapters map raw venue error codes onto
// these sentinels so that callers can branch with errors.Is without knowing
// which venue produced them.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
	ErrUnsupportedFeature   = errors.New("feature not supported by venue")
)

// Engine-side errors.
var (
	ErrAdapterInit       = errors.New("adapter initialization failed")
	ErrOrderNotFilled    = errors.New("order not filled within timeout")
	ErrEmptyOrderBook    = errors.New("empty order book")
	ErrRetriesExhausted  = errors.New("order retries exhausted")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrInvariantViolated = errors.New("invariant violated")
)

// IsTransient reports whether an error is worth retrying at the adapter
// layer. Insufficient funds and rejected orders are permanent for the
// current attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}
