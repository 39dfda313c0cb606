package admission

import (
	"context"
	"time"
)

// WindowIncrementRequest identifies the window counter an operation targets.
// WindowStart and WindowEnd come from the pure boundary math in window.go, so
// every concurrent caller targets the same row.
type WindowIncrementRequest struct {
	CredentialID string
	WindowStart  time.Time
	WindowEnd    time.Time
	Limit        int
}

// LedgerIncrementRequest identifies the monthly ledger an increment targets.
// QuotaLimit and GraceLimit seed the row on first-of-month creation.
type LedgerIncrementRequest struct {
	CredentialID string
	Month        string
	Amount       int
	QuotaLimit   int
	GraceLimit   int
}

// AddOnRequest creates a block of purchased supplemental capacity.
type AddOnRequest struct {
	CredentialID string
	Units        int
	ActivatesAt  time.Time
	ExpiresAt    time.Time
}

// Store is the persistence contract for the admission engine. Every mutation
// is a single atomic operation: implementations must never expose a
// read-modify-write gap to concurrent callers.
//
// Connectivity failures must be wrapped so errors.Is(err, ErrStoreUnavailable)
// holds; the engine fails open on them. Business conditions (window full,
// ErrAddOnExhausted) are ordinary returns, not unavailability.
type Store interface {
	// IncrementWindow resolves the counter for (credential, window start),
	// creating it if absent, and increments it iff count < limit — all as one
	// atomic step. A creation race must resolve with exactly one row and no
	// lost increments: the losing writer retries against the winner's row.
	// Returns the post-operation counter and whether the increment was
	// admitted.
	IncrementWindow(ctx context.Context, req *WindowIncrementRequest) (*WindowCounter, bool, error)

	// IncrementBlocked advances the window's blocked-request counter,
	// creating the row if necessary.
	IncrementBlocked(ctx context.Context, req *WindowIncrementRequest) error

	// GetWindow returns the counter for (credential, window start), or
	// (nil, nil) when no request has hit that window yet.
	GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*WindowCounter, error)

	// IncrementLedger resolves the (credential, month) ledger, creating it
	// with the request's limits if absent, and atomically adds Amount to
	// Total, maintaining the QuotaExceeded flag. Returns the post-operation
	// ledger.
	IncrementLedger(ctx context.Context, req *LedgerIncrementRequest) (*MonthlyLedger, error)

	// GetLedger returns the ledger for (credential, month), or (nil, nil)
	// when the month has seen no requests.
	GetLedger(ctx context.Context, credentialID, month string) (*MonthlyLedger, error)

	// RecordOutcome atomically advances the ledger's Succeeded or Failed
	// count, creating the row if necessary.
	RecordOutcome(ctx context.Context, credentialID, month string, success bool) error

	// ConsumeAddOn atomically decrements one unit from the credential's
	// active add-on block with the earliest expiry. Returns the block after
	// the decrement, or ErrAddOnExhausted when no active block has capacity.
	// A block is never decremented below zero and a unit is never
	// double-spent.
	ConsumeAddOn(ctx context.Context, credentialID string, now time.Time) (*AddOnBlock, error)

	// CreateAddOnBlock records purchased supplemental capacity. Called by the
	// billing collaborator; this engine only ever decrements blocks.
	CreateAddOnBlock(ctx context.Context, req *AddOnRequest) (*AddOnBlock, error)

	// ListAddOnBlocks returns the credential's add-on blocks, soonest expiry
	// first. Read-only; used by dashboards and billing.
	ListAddOnBlocks(ctx context.Context, credentialID string) ([]*AddOnBlock, error)

	// AppendUsageRecord appends an entry to the audit trail.
	AppendUsageRecord(ctx context.Context, rec *UsageRecord) error
}
