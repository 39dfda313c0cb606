package admission

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// WindowStatus is the dashboard view of the current rolling window.
type WindowStatus struct {
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Blocked     int       `json:"blocked"`
	PercentUsed float64   `json:"percent_used"`
	ResetAt     time.Time `json:"reset_at"`
}

// MonthStatus is the dashboard view of the monthly ledger.
type MonthStatus struct {
	Month       string       `json:"month"`
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	QuotaLimit  int          `json:"quota_limit"`
	GraceLimit  int          `json:"grace_limit"`
	PercentUsed float64      `json:"percent_used"`
	Status      LedgerStatus `json:"status"`
	ResetAt     time.Time    `json:"reset_at"`
}

// AddOnStatus summarizes the credential's active supplemental capacity.
type AddOnStatus struct {
	Remaining int           `json:"remaining"`
	Blocks    []*AddOnBlock `json:"blocks,omitempty"`
}

// QuotaStatus is the complete read-only standing of a credential, consumed by
// dashboards and billing. It exposes no mutation path.
type QuotaStatus struct {
	CredentialID string        `json:"credential_id"`
	Tier         string        `json:"tier"`
	Unlimited    bool          `json:"unlimited"`
	Window       *WindowStatus `json:"window,omitempty"`
	Month        MonthStatus   `json:"month"`
	AddOn        AddOnStatus   `json:"addon"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// ReporterConfig holds reporter configuration.
type ReporterConfig struct {
	// Catalog maps tier names to limits (required).
	Catalog *Catalog

	// CacheTTL bounds how stale a dashboard snapshot may be (default: 10s).
	// The cache never feeds the admission path.
	CacheTTL time.Duration

	// CacheSize caps the number of cached snapshots (default: 10000).
	CacheSize int

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

// Reporter is the read-only query surface over the window counters, monthly
// ledgers and add-on blocks. Concurrent requests for the same credential are
// collapsed into a single store round trip.
type Reporter struct {
	store   Store
	catalog *Catalog
	clock   Clock
	logger  Logger
	cache   *statusCache
	group   singleflight.Group
}

// NewReporter creates a reporter over the given store.
func NewReporter(store Store, cfg ReporterConfig) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrStoreUnavailable)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}

	return &Reporter{
		store:   store,
		catalog: cfg.Catalog,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		cache:   newStatusCache(cfg.CacheSize, cfg.CacheTTL),
	}, nil
}

// Status returns the credential's current standing: window usage, monthly
// ledger and active add-on capacity. Snapshots are cached with a TTL and may
// lag the live counters; admission correctness never depends on them.
func (r *Reporter) Status(ctx context.Context, credentialID, tier string) (*QuotaStatus, error) {
	if credentialID == "" {
		return nil, ErrInvalidCredential
	}

	key := credentialID + ":" + tier
	if status, ok := r.cache.get(key); ok {
		return status, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		status, err := r.build(ctx, credentialID, tier)
		if err != nil {
			return nil, err
		}
		r.cache.set(key, status)
		return status, nil
	})
	if err != nil {
		return nil, err
	}

	status := *(v.(*QuotaStatus))
	return &status, nil
}

// Invalidate drops any cached snapshots for the credential, for callers that
// want dashboards to observe a write immediately.
func (r *Reporter) Invalidate(credentialID string) {
	for _, tier := range r.catalog.Tiers() {
		r.cache.invalidate(credentialID + ":" + tier)
	}
	r.cache.invalidate(credentialID + ":")
}

// CacheStats exposes snapshot cache counters.
func (r *Reporter) CacheStats() CacheStats {
	return r.cache.stats()
}

func (r *Reporter) build(ctx context.Context, credentialID, tier string) (*QuotaStatus, error) {
	now := r.clock.Now()
	limits, known := r.catalog.Resolve(tier)
	if !known {
		r.logger.Debug("reporting with conservative fallback tier",
			Field{"credentialId", credentialID},
			Field{"tier", tier},
		)
	}

	status := &QuotaStatus{
		CredentialID: credentialID,
		Tier:         limits.Name,
		Unlimited:    limits.Unlimited,
		GeneratedAt:  now,
	}

	_, monthEnd := MonthBounds(now)
	status.Month = MonthStatus{
		Month:      MonthKey(now),
		QuotaLimit: limits.MonthlyQuota,
		GraceLimit: limits.GraceLimit(),
		Status:     LedgerHealthy,
		ResetAt:    monthEnd,
	}

	ledger, err := r.store.GetLedger(ctx, credentialID, MonthKey(now))
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	if ledger != nil {
		status.Month.Total = ledger.Total
		status.Month.Succeeded = ledger.Succeeded
		status.Month.Failed = ledger.Failed
		if limits.MonthlyQuota > 0 {
			status.Month.PercentUsed = float64(ledger.Total) / float64(limits.MonthlyQuota) * 100
		}
		status.Month.Status = (&MonthlyLedger{
			Total:      ledger.Total,
			QuotaLimit: limits.MonthlyQuota,
			GraceLimit: limits.GraceLimit(),
		}).Status()
	}

	if !limits.Unlimited {
		windowStart := WindowStart(now, limits.WindowLength)
		window := &WindowStatus{
			Limit:     limits.WindowLimit,
			Remaining: limits.WindowLimit,
			ResetAt:   windowStart.Add(limits.WindowLength),
		}
		counter, err := r.store.GetWindow(ctx, credentialID, windowStart)
		if err != nil {
			return nil, fmt.Errorf("get window: %w", err)
		}
		if counter != nil {
			window.Used = counter.Count
			window.Remaining = counter.Remaining()
			window.Blocked = counter.Blocked
			if limits.WindowLimit > 0 {
				window.PercentUsed = float64(counter.Count) / float64(limits.WindowLimit) * 100
			}
		}
		status.Window = window
	}

	blocks, err := r.store.ListAddOnBlocks(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("list add-on blocks: %w", err)
	}
	for _, b := range blocks {
		if b.ActiveAt(now) {
			status.AddOn.Remaining += b.Remaining
			status.AddOn.Blocks = append(status.AddOn.Blocks, b)
		}
	}

	return status, nil
}
