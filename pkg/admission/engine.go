package admission

import (
	"context"
	"fmt"
	"time"
)

// Config holds engine configuration.
type Config struct {
	// Catalog maps tier names to their limits (required).
	Catalog *Catalog

	// Clock supplies time (default: SystemClock).
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks decisions and engine health (default: NoopMetrics).
	Metrics Metrics

	// CircuitBreaker protects the store during outages; while the circuit is
	// open the engine fails open without issuing store calls.
	CircuitBreaker CircuitBreakerConfig

	// UpgradeHint is attached to grace-exceeded denials so callers can point
	// the credential owner at an upgrade path.
	UpgradeHint string
}

// Engine is the admission decision engine. It combines the tier catalog, the
// window counters, the monthly ledgers and the add-on pool into a single
// allow/deny verdict per request. Engines hold no per-credential state and
// are safe for concurrent use.
type Engine struct {
	store   Store
	catalog *Catalog
	clock   Clock
	logger  Logger
	metrics Metrics
	breaker *circuitBreaker
	hint    string
}

// NewEngine creates an admission engine over the given store.
func NewEngine(store Store, cfg Config) (*Engine, error) {
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
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.UpgradeHint == "" {
		cfg.UpgradeHint = "monthly grace limit reached; upgrade the credential's tier to restore service"
	}

	e := &Engine{
		store:   store,
		catalog: cfg.Catalog,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		hint:    cfg.UpgradeHint,
	}
	if cfg.CircuitBreaker.Enabled {
		e.breaker = newCircuitBreaker(cfg.CircuitBreaker, func(state CircuitBreakerState) {
			e.metrics.RecordCircuitBreakerStateChange(string(state))
			e.logger.Warn("quota store circuit breaker state change",
				Field{"state", string(state)},
			)
		})
	}
	return e, nil
}

// CheckNow is Check with the engine's clock supplying the timestamp.
func (e *Engine) CheckNow(ctx context.Context, credentialID, tier string) (*Decision, error) {
	return e.Check(ctx, credentialID, tier, e.clock.Now())
}

// Check decides admit or deny for one request.
//
// Evaluation order, which callers and stores may rely on:
//
//  1. the monthly ledger is classified first; grace-exceeded is a hard deny
//     independent of window or add-on state;
//  2. otherwise the rolling window is charged atomically;
//  3. an exhausted window falls back to add-on blocks, oldest expiry first;
//  4. a monthly "exceeded but within grace" state annotates an allow with
//     WarnGracePeriod, it never denies.
//
// Store unavailability at any step resolves to an allow carrying
// WarnFailOpen. The returned error is non-nil only for invalid input.
func (e *Engine) Check(ctx context.Context, credentialID, tier string, now time.Time) (*Decision, error) {
	if credentialID == "" {
		return nil, ErrInvalidCredential
	}
	started := time.Now()

	limits, known := e.catalog.Resolve(tier)
	d := &Decision{
		CredentialID: credentialID,
		Tier:         limits.Name,
	}
	if !known {
		d.Warnings = append(d.Warnings, WarnUnknownTier)
		e.logger.Warn("unknown tier, applying conservative fallback",
			Field{"credentialId", credentialID},
			Field{"tier", tier},
			Field{"fallback", limits.Name},
		)
	}

	if limits.Unlimited {
		e.checkUnlimited(ctx, d, now)
		e.finish(d, started)
		return d, nil
	}

	month := MonthKey(now)
	windowStart := WindowStart(now, limits.WindowLength)
	windowEnd := windowStart.Add(limits.WindowLength)
	d.WindowLimit = limits.WindowLimit
	d.MonthlyLimit = limits.MonthlyQuota
	d.ResetAt = windowEnd

	// Monthly status first: grace-exceeded overrides any window capacity.
	ledger, err := e.getLedger(ctx, credentialID, month)
	if err != nil {
		e.failOpen(d, "ledger", err)
		e.finish(d, started)
		return d, nil
	}
	if ledger != nil {
		d.MonthlyTotal = ledger.Total
		switch e.classify(ledger, limits) {
		case LedgerGraceExceeded:
			d.Allowed = false
			d.Reason = ReasonGraceExceeded
			d.UpgradeHint = e.hint
			e.noteBlocked(ctx, d, limits, windowStart, windowEnd)
			e.finish(d, started)
			return d, nil
		case LedgerExceeded:
			d.Warnings = append(d.Warnings, WarnGracePeriod)
		}
	}

	counter, admitted, err := e.incrementWindow(ctx, &WindowIncrementRequest{
		CredentialID: credentialID,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		Limit:        limits.WindowLimit,
	})
	if err != nil {
		e.failOpen(d, "window", err)
		e.finish(d, started)
		return d, nil
	}
	d.WindowCount = counter.Count
	d.WindowRemaining = counter.Remaining()

	if admitted {
		d.Allowed = true
		d.Reason = ReasonOK
		e.advanceLedger(ctx, d, limits, month)
		e.finish(d, started)
		return d, nil
	}

	// Window exhausted: consult the add-on pool before denying.
	block, err := e.consumeAddOn(ctx, credentialID, now)
	switch {
	case err == nil:
		d.Allowed = true
		d.Reason = ReasonAddOn
		d.UsedAddOn = true
		d.AddOnRemaining = block.Remaining
		e.metrics.RecordAddOnConsumption(limits.Name)
		e.advanceLedger(ctx, d, limits, month)
	case IsUnavailable(err):
		e.failOpen(d, "addon", err)
	default:
		d.Allowed = false
		d.Reason = ReasonWindowExceeded
		e.noteBlocked(ctx, d, limits, windowStart, windowEnd)
	}

	e.finish(d, started)
	return d, nil
}

// checkUnlimited handles tiers with no window or monthly limit. The request
// is always admitted but usage is still recorded so dashboards stay accurate.
func (e *Engine) checkUnlimited(ctx context.Context, d *Decision, now time.Time) {
	d.Allowed = true
	d.Reason = ReasonUnlimited

	ledger, err := e.incrementLedger(ctx, &LedgerIncrementRequest{
		CredentialID: d.CredentialID,
		Month:        MonthKey(now),
		Amount:       1,
	})
	if err != nil {
		e.logger.Warn("usage increment failed for unlimited tier",
			Field{"credentialId", d.CredentialID},
			Field{"error", err.Error()},
		)
		e.metrics.RecordFailOpen("ledger")
		return
	}
	d.MonthlyTotal = ledger.Total
}

// classify evaluates the ledger against the tier's current limits rather than
// the limits stored on the row, so a mid-month tier change takes effect
// immediately.
func (e *Engine) classify(ledger *MonthlyLedger, limits TierLimits) LedgerStatus {
	if limits.MonthlyQuota <= 0 {
		return LedgerHealthy
	}
	// With a zero grace percentage the grace limit equals the quota, so
	// reaching quota is already a hard denial.
	if ledger.Total >= limits.GraceLimit() {
		return LedgerGraceExceeded
	}
	if ledger.Total >= limits.MonthlyQuota {
		return LedgerExceeded
	}
	return LedgerHealthy
}

// advanceLedger charges one unit of monthly usage for an admitted request.
// Failure here never revokes the admission already granted; it is logged and
// counted as a fail-open accounting gap.
func (e *Engine) advanceLedger(ctx context.Context, d *Decision, limits TierLimits, month string) {
	ledger, err := e.incrementLedger(ctx, &LedgerIncrementRequest{
		CredentialID: d.CredentialID,
		Month:        month,
		Amount:       1,
		QuotaLimit:   limits.MonthlyQuota,
		GraceLimit:   limits.GraceLimit(),
	})
	if err != nil {
		e.logger.Warn("monthly ledger increment failed after admission",
			Field{"credentialId", d.CredentialID},
			Field{"month", month},
			Field{"error", err.Error()},
		)
		e.metrics.RecordFailOpen("ledger")
		return
	}
	d.MonthlyTotal = ledger.Total
}

// noteBlocked records a denial on the window counter for observability.
// Best-effort: a failure here cannot change the decision.
func (e *Engine) noteBlocked(ctx context.Context, d *Decision, limits TierLimits, windowStart, windowEnd time.Time) {
	e.metrics.RecordBlockedRequest(limits.Name)
	err := e.do(ctx, "increment_blocked", func() error {
		return e.store.IncrementBlocked(ctx, &WindowIncrementRequest{
			CredentialID: d.CredentialID,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			Limit:        limits.WindowLimit,
		})
	})
	if err != nil {
		e.logger.Debug("blocked-request counter update failed",
			Field{"credentialId", d.CredentialID},
			Field{"error", err.Error()},
		)
	}
}

// failOpen converts store unavailability into an admitted decision with an
// explicit warning. The trade-off is deliberate: primary traffic availability
// over perfect quota enforcement, surfaced in logs and metrics, never silent.
func (e *Engine) failOpen(d *Decision, component string, err error) {
	d.Allowed = true
	d.Reason = ReasonFailOpen
	d.Warnings = append(d.Warnings, WarnFailOpen)
	e.metrics.RecordFailOpen(component)
	e.logger.Warn("quota store unavailable, admitting without enforcement",
		Field{"credentialId", d.CredentialID},
		Field{"component", component},
		Field{"error", err.Error()},
	)
}

func (e *Engine) finish(d *Decision, started time.Time) {
	e.metrics.RecordDecision(d.Tier, d.Allowed, d.Reason, time.Since(started))
}

// do wraps a store call with metrics and, when configured, the circuit
// breaker.
func (e *Engine) do(ctx context.Context, operation string, fn func() error) error {
	started := time.Now()
	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(fn)
	} else {
		err = fn()
	}
	e.metrics.RecordStorageOperation(operation, time.Since(started), err)
	return err
}

func (e *Engine) getLedger(ctx context.Context, credentialID, month string) (*MonthlyLedger, error) {
	var ledger *MonthlyLedger
	err := e.do(ctx, "get_ledger", func() error {
		var err error
		ledger, err = e.store.GetLedger(ctx, credentialID, month)
		return err
	})
	return ledger, err
}

func (e *Engine) incrementWindow(ctx context.Context, req *WindowIncrementRequest) (*WindowCounter, bool, error) {
	var (
		counter  *WindowCounter
		admitted bool
	)
	err := e.do(ctx, "increment_window", func() error {
		var err error
		counter, admitted, err = e.store.IncrementWindow(ctx, req)
		return err
	})
	return counter, admitted, err
}

func (e *Engine) incrementLedger(ctx context.Context, req *LedgerIncrementRequest) (*MonthlyLedger, error) {
	var ledger *MonthlyLedger
	err := e.do(ctx, "increment_ledger", func() error {
		var err error
		ledger, err = e.store.IncrementLedger(ctx, req)
		return err
	})
	return ledger, err
}

func (e *Engine) consumeAddOn(ctx context.Context, credentialID string, now time.Time) (*AddOnBlock, error) {
	var block *AddOnBlock
	err := e.do(ctx, "consume_addon", func() error {
		var err error
		block, err = e.store.ConsumeAddOn(ctx, credentialID, now)
		return err
	})
	return block, err
}
