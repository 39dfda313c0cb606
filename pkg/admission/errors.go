package admission

import (
	"context"
	"errors"
)

var (
	// ErrUnknownTier is returned by Catalog.LimitsFor for an unrecognized tier.
	// The engine never fails a request on it; it falls back to the most
	// conservative known tier instead.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrStoreUnavailable indicates the counter/ledger store is unreachable.
	// The engine resolves it by failing open with a logged warning.
	ErrStoreUnavailable = errors.New("quota store unavailable")

	// ErrAddOnExhausted is returned by Store.ConsumeAddOn when the credential
	// has no active add-on block with remaining capacity.
	ErrAddOnExhausted = errors.New("add-on capacity exhausted")

	// ErrInvalidCredential is returned for an empty credential id.
	ErrInvalidCredential = errors.New("invalid credential id")

	// ErrInvalidAmount is returned for non-positive counter amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// IsUnavailable reports whether err warrants fail-open handling: storage
// connectivity failures, an open circuit breaker, or context expiry while
// talking to the store. Business errors (ErrAddOnExhausted and friends) are
// never treated as unavailability.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
