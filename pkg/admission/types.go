package admission

import (
	"math"
	"time"
)

// TierLimits is the contract a tier makes with its callers: a rolling-window
// request limit, a monthly quota, and the grace percentage allowed past that
// quota before hard denial.
type TierLimits struct {
	Name         string
	WindowLength time.Duration
	WindowLimit  int
	MonthlyQuota int

	// GracePercent is the fractional overrun allowed past MonthlyQuota
	// (0.10 = 10%) before requests are hard-denied.
	GracePercent float64

	// Unlimited tiers skip window and monthly enforcement entirely. Usage is
	// still recorded so dashboards stay accurate.
	Unlimited bool
}

// GraceLimit returns the monthly quota inflated by the grace percentage.
func (t TierLimits) GraceLimit() int {
	if t.Unlimited {
		return 0
	}
	return t.MonthlyQuota + int(math.Floor(float64(t.MonthlyQuota)*t.GracePercent))
}

// WindowCounter is the per-(credential, rolling window) admission counter.
// Exactly one current counter exists per credential at any instant; a counter
// is superseded, never deleted, when the window rolls over.
type WindowCounter struct {
	CredentialID string
	WindowStart  time.Time
	WindowEnd    time.Time

	// Count reflects base-tier admissions only. Requests admitted via add-on
	// blocks do not advance it, so quota reporting stays accurate.
	Count int
	Limit int

	// Blocked counts denied requests in this window, for observability.
	Blocked   int
	UpdatedAt time.Time
}

// Remaining returns the base-tier capacity left in this window.
func (w *WindowCounter) Remaining() int {
	if r := w.Limit - w.Count; r > 0 {
		return r
	}
	return 0
}

// RateLimited reports whether the base window is exhausted.
func (w *WindowCounter) RateLimited() bool {
	return w.Count >= w.Limit
}

// LedgerStatus classifies a credential's monthly standing.
type LedgerStatus string

const (
	LedgerHealthy       LedgerStatus = "healthy"
	LedgerExceeded      LedgerStatus = "exceeded"       // past quota, within grace
	LedgerGraceExceeded LedgerStatus = "grace_exceeded" // past quota and grace
)

// MonthlyLedger is the per-(credential, calendar month) usage ledger.
// Total counts admitted requests; Succeeded and Failed are advanced by the
// usage recorder once the request outcome is known, so Total = Succeeded +
// Failed holds after finalization.
type MonthlyLedger struct {
	CredentialID string
	Month        string // YYYY-MM
	Total        int
	Succeeded    int
	Failed       int
	QuotaLimit   int
	GraceLimit   int

	// QuotaExceeded is maintained by the store: set once Total >= QuotaLimit.
	QuotaExceeded bool
	UpdatedAt     time.Time
}

// Status classifies the ledger against its stored limits. A zero QuotaLimit
// (unlimited tier or fail-open period) always reads healthy.
func (l *MonthlyLedger) Status() LedgerStatus {
	if l == nil || l.QuotaLimit <= 0 {
		return LedgerHealthy
	}
	if l.GraceLimit > 0 && l.Total >= l.GraceLimit {
		return LedgerGraceExceeded
	}
	if l.Total >= l.QuotaLimit {
		return LedgerExceeded
	}
	return LedgerHealthy
}

// AddOnBlock is purchased supplemental capacity. Blocks are created by the
// billing collaborator; this engine only decrements them. Only blocks that
// have activated and not yet expired are consumable, oldest expiry first.
type AddOnBlock struct {
	ID           string
	CredentialID string
	Remaining    int
	ActivatesAt  time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// ActiveAt reports whether the block can yield units at the given instant.
func (b *AddOnBlock) ActiveAt(now time.Time) bool {
	return b.Remaining > 0 && !now.Before(b.ActivatesAt) && now.Before(b.ExpiresAt)
}

// Warning annotates an otherwise-resolved condition on a decision.
type Warning string

const (
	// WarnGracePeriod: monthly quota exceeded but within grace; the request
	// was still admitted.
	WarnGracePeriod Warning = "grace_period"

	// WarnFailOpen: the store was unreachable and the request was admitted
	// without enforcement.
	WarnFailOpen Warning = "fail_open"

	// WarnUnknownTier: the credential's tier was not in the catalog; the most
	// conservative known tier was applied.
	WarnUnknownTier Warning = "unknown_tier"
)

// Reason explains a decision's verdict.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonUnlimited      Reason = "unlimited"
	ReasonAddOn          Reason = "addon"
	ReasonFailOpen       Reason = "fail_open"
	ReasonWindowExceeded Reason = "window_exceeded"
	ReasonGraceExceeded  Reason = "grace_exceeded"
)

// Decision is the admission verdict plus remaining-capacity metadata for one
// request. It is constructed per request and never persisted.
type Decision struct {
	Allowed      bool
	Tier         string
	CredentialID string

	WindowCount     int
	WindowLimit     int
	WindowRemaining int

	MonthlyTotal int
	MonthlyLimit int

	// AddOnRemaining is the remaining capacity of the block that admitted the
	// request, populated only when UsedAddOn is set.
	AddOnRemaining int
	UsedAddOn      bool

	// ResetAt is when the current window rolls over; callers surface it as
	// Retry-After on denials.
	ResetAt time.Time

	Reason   Reason
	Warnings []Warning

	// UpgradeHint carries the upgrade-suggestion payload on grace-exceeded
	// denials.
	UpgradeHint string
}

// HasWarning reports whether the decision carries the given warning.
func (d *Decision) HasWarning(w Warning) bool {
	for _, have := range d.Warnings {
		if have == w {
			return true
		}
	}
	return false
}

// Outcome is a completed request result handed to the Recorder.
type Outcome struct {
	CredentialID string
	Resource     string
	Timestamp    time.Time
	Success      bool
	Latency      time.Duration
	Metadata     map[string]string
}

// UsageRecord is the append-only audit entry persisted for each outcome.
type UsageRecord struct {
	ID           string
	CredentialID string
	Resource     string
	Timestamp    time.Time
	Success      bool
	Latency      time.Duration
	Metadata     map[string]string
}
