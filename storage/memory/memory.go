// Package memory provides an in-memory implementation of the admission.Store
// interface. It is the reference implementation for tests and single-node
// deployments; all operations are atomic under one mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brandgate/quotas/pkg/admission"
)

// Store implements admission.Store using in-memory maps.
type Store struct {
	mu      sync.Mutex
	windows map[string]*admission.WindowCounter
	ledgers map[string]*admission.MonthlyLedger
	addons  map[string][]*admission.AddOnBlock // credential id -> blocks
	audit   []*admission.UsageRecord
	auditID map[string]struct{}
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		windows: make(map[string]*admission.WindowCounter),
		ledgers: make(map[string]*admission.MonthlyLedger),
		addons:  make(map[string][]*admission.AddOnBlock),
		auditID: make(map[string]struct{}),
	}
}

// IncrementWindow implements admission.Store. The single mutex makes
// fetch-or-create and the conditional increment one atomic step, so N racing
// first requests produce exactly one counter row and lose no increments.
func (s *Store) IncrementWindow(ctx context.Context, req *admission.WindowIncrementRequest) (*admission.WindowCounter, bool, error) {
	if req == nil || req.CredentialID == "" {
		return nil, false, admission.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.windowLocked(req)
	admitted := counter.Count < counter.Limit
	if admitted {
		counter.Count++
	}
	counter.UpdatedAt = time.Now().UTC()

	copied := *counter
	return &copied, admitted, nil
}

// IncrementBlocked implements admission.Store.
func (s *Store) IncrementBlocked(ctx context.Context, req *admission.WindowIncrementRequest) error {
	if req == nil || req.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.windowLocked(req)
	counter.Blocked++
	counter.UpdatedAt = time.Now().UTC()
	return nil
}

// GetWindow implements admission.Store.
func (s *Store) GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*admission.WindowCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.windows[windowKey(credentialID, windowStart)]
	if !ok {
		return nil, nil // no requests in this window yet
	}
	copied := *counter
	return &copied, nil
}

// IncrementLedger implements admission.Store.
func (s *Store) IncrementLedger(ctx context.Context, req *admission.LedgerIncrementRequest) (*admission.MonthlyLedger, error) {
	if req == nil || req.CredentialID == "" {
		return nil, admission.ErrInvalidCredential
	}
	if req.Amount < 0 {
		return nil, admission.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger := s.ledgerLocked(req.CredentialID, req.Month)
	if ledger.QuotaLimit == 0 && req.QuotaLimit > 0 {
		ledger.QuotaLimit = req.QuotaLimit
		ledger.GraceLimit = req.GraceLimit
	}
	ledger.Total += req.Amount
	if ledger.QuotaLimit > 0 && ledger.Total >= ledger.QuotaLimit {
		ledger.QuotaExceeded = true
	}
	ledger.UpdatedAt = time.Now().UTC()

	copied := *ledger
	return &copied, nil
}

// GetLedger implements admission.Store.
func (s *Store) GetLedger(ctx context.Context, credentialID, month string) (*admission.MonthlyLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[ledgerKey(credentialID, month)]
	if !ok {
		return nil, nil // no requests this month yet
	}
	copied := *ledger
	return &copied, nil
}

// RecordOutcome implements admission.Store.
func (s *Store) RecordOutcome(ctx context.Context, credentialID, month string, success bool) error {
	if credentialID == "" {
		return admission.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger := s.ledgerLocked(credentialID, month)
	if success {
		ledger.Succeeded++
	} else {
		ledger.Failed++
	}
	ledger.UpdatedAt = time.Now().UTC()
	return nil
}

// ConsumeAddOn implements admission.Store. Blocks are consumed
// oldest-expiring-first so soon-to-expire capacity is never stranded behind a
// longer-lived block.
func (s *Store) ConsumeAddOn(ctx context.Context, credentialID string, now time.Time) (*admission.AddOnBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *admission.AddOnBlock
	for _, b := range s.addons[credentialID] {
		if !b.ActiveAt(now) {
			continue
		}
		if candidate == nil || b.ExpiresAt.Before(candidate.ExpiresAt) {
			candidate = b
		}
	}
	if candidate == nil {
		return nil, admission.ErrAddOnExhausted
	}

	candidate.Remaining--
	copied := *candidate
	return &copied, nil
}

// CreateAddOnBlock implements admission.Store.
func (s *Store) CreateAddOnBlock(ctx context.Context, req *admission.AddOnRequest) (*admission.AddOnBlock, error) {
	if req == nil || req.CredentialID == "" {
		return nil, admission.ErrInvalidCredential
	}
	if req.Units <= 0 {
		return nil, admission.ErrInvalidAmount
	}
	if !req.ExpiresAt.After(req.ActivatesAt) {
		return nil, fmt.Errorf("add-on block expires before it activates")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block := &admission.AddOnBlock{
		ID:           uuid.NewString(),
		CredentialID: req.CredentialID,
		Remaining:    req.Units,
		ActivatesAt:  req.ActivatesAt.UTC(),
		ExpiresAt:    req.ExpiresAt.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	s.addons[req.CredentialID] = append(s.addons[req.CredentialID], block)

	copied := *block
	return &copied, nil
}

// ListAddOnBlocks implements admission.Store.
func (s *Store) ListAddOnBlocks(ctx context.Context, credentialID string) ([]*admission.AddOnBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := s.addons[credentialID]
	out := make([]*admission.AddOnBlock, 0, len(blocks))
	for _, b := range blocks {
		copied := *b
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// AppendUsageRecord implements admission.Store. Records are deduplicated by
// ID so a retried partial delivery does not duplicate the audit trail.
func (s *Store) AppendUsageRecord(ctx context.Context, rec *admission.UsageRecord) error {
	if rec == nil || rec.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID != "" {
		if _, dup := s.auditID[rec.ID]; dup {
			return nil
		}
		s.auditID[rec.ID] = struct{}{}
	}
	copied := *rec
	s.audit = append(s.audit, &copied)
	return nil
}

// UsageRecords returns a copy of the audit trail, oldest first.
func (s *Store) UsageRecords() []*admission.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*admission.UsageRecord, 0, len(s.audit))
	for _, rec := range s.audit {
		copied := *rec
		out = append(out, &copied)
	}
	return out
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows = make(map[string]*admission.WindowCounter)
	s.ledgers = make(map[string]*admission.MonthlyLedger)
	s.addons = make(map[string][]*admission.AddOnBlock)
	s.audit = nil
	s.auditID = make(map[string]struct{})
}

// windowLocked resolves or creates the counter row. Caller must hold mu.
func (s *Store) windowLocked(req *admission.WindowIncrementRequest) *admission.WindowCounter {
	key := windowKey(req.CredentialID, req.WindowStart)
	counter, ok := s.windows[key]
	if !ok {
		counter = &admission.WindowCounter{
			CredentialID: req.CredentialID,
			WindowStart:  req.WindowStart.UTC(),
			WindowEnd:    req.WindowEnd.UTC(),
			Limit:        req.Limit,
		}
		s.windows[key] = counter
	}
	return counter
}

// ledgerLocked resolves or creates the ledger row. Caller must hold mu.
func (s *Store) ledgerLocked(credentialID, month string) *admission.MonthlyLedger {
	key := ledgerKey(credentialID, month)
	ledger, ok := s.ledgers[key]
	if !ok {
		ledger = &admission.MonthlyLedger{
			CredentialID: credentialID,
			Month:        month,
		}
		s.ledgers[key] = ledger
	}
	return ledger
}

func windowKey(credentialID string, windowStart time.Time) string {
	return credentialID + ":" + strconv.FormatInt(windowStart.UTC().Unix(), 10)
}

func ledgerKey(credentialID, month string) string {
	return credentialID + ":" + month
}
