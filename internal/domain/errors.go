package domain

import "errors"

// Failure taxonomy. Engine operations wrap one of these so callers can branch
// with errors.Is.
var (
	ErrValidationFailed     = errors.New("validation failed")
	ErrBrokerRejected       = errors.New("broker rejected request")
	ErrBrokerUnreachable    = errors.New("broker unreachable")
	ErrBrokerTimeout        = errors.New("broker timeout")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrCircuitBreakerActive = errors.New("circuit breaker active")
)

var (
	ErrNotFound       = errors.New("not found")
	ErrPositionExists = errors.New("position already exists for symbol")
	ErrNoPosition     = errors.New("no active position for symbol")
	ErrAlreadyClosing = errors.New("position already closing")
	ErrEngineStopped  = errors.New("engine stopped")
	ErrRateLimited    = errors.New("rate limited")
	ErrLockHeld       = errors.New("lock already held")
	ErrDryRun         = errors.New("dry run: no orders placed")

	// ErrDuplicateSignal means the signal id was already accepted within
	// the signal TTL.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrFillPriceUnknown means an order filled but the broker has not
	// reported its price yet. The position stays CLOSING until it does.
	ErrFillPriceUnknown = errors.New("fill price unknown")
)

// IsUnknownOutcome reports whether err leaves the broker-side result of a
// request undetermined. Such outcomes are resolved by reconciliation.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrBrokerTimeout) || errors.Is(err, ErrBrokerUnreachable)
}
