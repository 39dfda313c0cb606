package admission

import (
	"fmt"
	"time"
)

// Catalog maps tier names to their limits. It is immutable once built:
// loaded at deployment, never mutated at runtime.
type Catalog struct {
	tiers        map[string]TierLimits
	conservative TierLimits
}

// NewCatalog builds a catalog from the given tiers. At least one limited tier
// is required so the unknown-tier fallback has somewhere safe to land.
func NewCatalog(tiers []TierLimits) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("catalog requires at least one tier")
	}

	byName := make(map[string]TierLimits, len(tiers))
	var conservative *TierLimits
	for _, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("tier with empty name")
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.Name)
		}
		if !t.Unlimited {
			if t.WindowLength <= 0 {
				return nil, fmt.Errorf("tier %q: window length must be positive", t.Name)
			}
			if t.WindowLimit <= 0 {
				return nil, fmt.Errorf("tier %q: window limit must be positive", t.Name)
			}
			if t.MonthlyQuota <= 0 {
				return nil, fmt.Errorf("tier %q: monthly quota must be positive", t.Name)
			}
			if t.GracePercent < 0 {
				return nil, fmt.Errorf("tier %q: grace percent must not be negative", t.Name)
			}
			if conservative == nil || moreConservative(t, *conservative) {
				tc := t
				conservative = &tc
			}
		}
		byName[t.Name] = t
	}

	if conservative == nil {
		return nil, fmt.Errorf("catalog requires at least one limited tier")
	}

	return &Catalog{tiers: byName, conservative: *conservative}, nil
}

// moreConservative orders tiers by window limit, ties broken by monthly
// quota. Used to pick the fail-safe fallback for unknown tiers.
func moreConservative(a, b TierLimits) bool {
	if a.WindowLimit != b.WindowLimit {
		return a.WindowLimit < b.WindowLimit
	}
	return a.MonthlyQuota < b.MonthlyQuota
}

// LimitsFor is a pure, total lookup over the closed tier set. Unrecognized
// tiers return ErrUnknownTier.
func (c *Catalog) LimitsFor(tier string) (TierLimits, error) {
	t, ok := c.tiers[tier]
	if !ok {
		return TierLimits{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return t, nil
}

// Resolve returns the limits for tier, falling back to the most conservative
// known tier when the name is unrecognized. The second return reports whether
// the tier was known; callers surface a fallback as WarnUnknownTier, never as
// a failed request.
func (c *Catalog) Resolve(tier string) (TierLimits, bool) {
	if t, ok := c.tiers[tier]; ok {
		return t, true
	}
	return c.conservative, false
}

// Tiers returns the tier names in the catalog.
func (c *Catalog) Tiers() []string {
	names := make([]string, 0, len(c.tiers))
	for name := range c.tiers {
		names = append(names, name)
	}
	return names
}

// DefaultCatalog returns the built-in BrandGate tier set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]TierLimits{
		{Name: "free", WindowLength: time.Minute, WindowLimit: 5, MonthlyQuota: 500, GracePercent: 0},
		{Name: "starter", WindowLength: time.Minute, WindowLimit: 30, MonthlyQuota: 5000, GracePercent: 0.05},
		{Name: "growth", WindowLength: time.Minute, WindowLimit: 120, MonthlyQuota: 50000, GracePercent: 0.10},
		{Name: "scale", WindowLength: time.Hour, WindowLimit: 20000, MonthlyQuota: 500000, GracePercent: 0.10},
		{Name: "unlimited", Unlimited: true},
	})
	if err != nil {
		panic(err) // static configuration, cannot fail
	}
	return c
}
