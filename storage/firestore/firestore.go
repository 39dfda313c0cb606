// Package firestore provides a Firestore implementation of the
// admission.Store interface. All counter mutations run inside Firestore
// transactions, which retry on contention, so concurrent increments against
// one document never lose updates and never overshoot the limit.
//
// Firestore transactions serialize writers on a document, so hot credentials
// pay more latency here than on the Redis or PostgreSQL stores. Prefer those
// for high-throughput deployments; this adapter suits stacks already on GCP.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/uuid"

	"github.com/brandgate/quotas/pkg/admission"
)

// Store implements admission.Store using Google Cloud Firestore.
type Store struct {
	client            *firestore.Client
	windowsCollection string
	ledgersCollection string
	addonsCollection  string
	auditCollection   string
}

// Config holds Firestore store configuration.
type Config struct {
	// WindowsCollection holds window counter documents.
	// Default: "admission_windows"
	WindowsCollection string

	// LedgersCollection holds monthly ledger documents.
	// Default: "admission_ledgers"
	LedgersCollection string

	// AddOnsCollection holds add-on block documents.
	// Default: "admission_addons"
	AddOnsCollection string

	// AuditCollection holds usage records.
	// Default: "admission_usage"
	AuditCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.WindowsCollection == "" {
		config.WindowsCollection = "admission_windows"
	}
	if config.LedgersCollection == "" {
		config.LedgersCollection = "admission_ledgers"
	}
	if config.AddOnsCollection == "" {
		config.AddOnsCollection = "admission_addons"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "admission_usage"
	}

	return &Store{
		client:            client,
		windowsCollection: config.WindowsCollection,
		ledgersCollection: config.LedgersCollection,
		addonsCollection:  config.AddOnsCollection,
		auditCollection:   config.AuditCollection,
	}, nil
}

func (s *Store) windowDoc(credentialID string, windowStart time.Time) *firestore.DocumentRef {
	id := fmt.Sprintf("%s_%d", credentialID, windowStart.Unix())
	return s.client.Collection(s.windowsCollection).Doc(id)
}

func (s *Store) ledgerDoc(credentialID, month string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgersCollection).Doc(credentialID + "_" + month)
}

// IncrementWindow implements admission.Store. The deterministic document ID
// (credential + window start) makes the creation race harmless: both racers
// target the same document and the transaction layer serializes them.
func (s *Store) IncrementWindow(ctx context.Context, req *admission.WindowIncrementRequest) (*admission.WindowCounter, bool, error) {
	if req == nil || req.CredentialID == "" {
		return nil, false, admission.ErrInvalidCredential
	}

	doc := s.windowDoc(req.CredentialID, req.WindowStart)
	var counter admission.WindowCounter
	var admitted bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		count, blocked := 0, 0
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			count = getInt(data, "count")
			blocked = getInt(data, "blocked")
		}

		admitted = count < req.Limit
		if admitted {
			count++
		}

		now := time.Now().UTC()
		counter = admission.WindowCounter{
			CredentialID: req.CredentialID,
			WindowStart:  req.WindowStart,
			WindowEnd:    req.WindowEnd,
			Count:        count,
			Limit:        req.Limit,
			Blocked:      blocked,
			UpdatedAt:    now,
		}
		if !admitted {
			return nil
		}

		return tx.Set(doc, map[string]interface{}{
			"credentialId": req.CredentialID,
			"windowStart":  req.WindowStart,
			"windowEnd":    req.WindowEnd,
			"count":        count,
			"limit":        req.Limit,
			"blocked":      blocked,
			"updatedAt":    now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, false, wrapUnavailable("increment window", err)
	}
	return &counter, admitted, nil
}

// IncrementBlocked implements admission.Store.
func (s *Store) IncrementBlocked(ctx context.Context, req *admission.WindowIncrementRequest) error {
	if req == nil || req.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	doc := s.windowDoc(req.CredentialID, req.WindowStart)
	_, err := doc.Set(ctx, map[string]interface{}{
		"credentialId": req.CredentialID,
		"windowStart":  req.WindowStart,
		"windowEnd":    req.WindowEnd,
		"limit":        req.Limit,
		"blocked":      firestore.Increment(1),
		"updatedAt":    time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return wrapUnavailable("increment blocked", err)
	}
	return nil
}

// GetWindow implements admission.Store.
func (s *Store) GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*admission.WindowCounter, error) {
	snap, err := s.windowDoc(credentialID, windowStart).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get window", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &admission.WindowCounter{
		CredentialID: credentialID,
		WindowStart:  windowStart,
		WindowEnd:    getTime(data, "windowEnd"),
		Count:        getInt(data, "count"),
		Limit:        getInt(data, "limit"),
		Blocked:      getInt(data, "blocked"),
		UpdatedAt:    getTime(data, "updatedAt"),
	}, nil
}

// IncrementLedger implements admission.Store.
func (s *Store) IncrementLedger(ctx context.Context, req *admission.LedgerIncrementRequest) (*admission.MonthlyLedger, error) {
	if req == nil || req.CredentialID == "" {
		return nil, admission.ErrInvalidCredential
	}
	if req.Amount < 0 {
		return nil, admission.ErrInvalidAmount
	}

	doc := s.ledgerDoc(req.CredentialID, req.Month)
	var ledger admission.MonthlyLedger

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		total, succeeded, failed := 0, 0, 0
		quotaLimit, graceLimit := req.QuotaLimit, req.GraceLimit
		exceeded := false
		if err == nil && snap.Exists() {
			data := snap.Data()
			total = getInt(data, "total")
			succeeded = getInt(data, "succeeded")
			failed = getInt(data, "failed")
			exceeded = getBool(data, "exceeded")
			if stored := getInt(data, "quotaLimit"); stored > 0 {
				quotaLimit = stored
				graceLimit = getInt(data, "graceLimit")
			}
		}

		total += req.Amount
		if quotaLimit > 0 && total >= quotaLimit {
			exceeded = true
		}

		now := time.Now().UTC()
		ledger = admission.MonthlyLedger{
			CredentialID:  req.CredentialID,
			Month:         req.Month,
			Total:         total,
			Succeeded:     succeeded,
			Failed:        failed,
			QuotaLimit:    quotaLimit,
			GraceLimit:    graceLimit,
			QuotaExceeded: exceeded,
			UpdatedAt:     now,
		}

		return tx.Set(doc, map[string]interface{}{
			"credentialId": req.CredentialID,
			"month":        req.Month,
			"total":        total,
			"quotaLimit":   quotaLimit,
			"graceLimit":   graceLimit,
			"exceeded":     exceeded,
			"updatedAt":    now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, wrapUnavailable("increment ledger", err)
	}
	return &ledger, nil
}

// GetLedger implements admission.Store.
func (s *Store) GetLedger(ctx context.Context, credentialID, month string) (*admission.MonthlyLedger, error) {
	snap, err := s.ledgerDoc(credentialID, month).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get ledger", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &admission.MonthlyLedger{
		CredentialID:  credentialID,
		Month:         month,
		Total:         getInt(data, "total"),
		Succeeded:     getInt(data, "succeeded"),
		Failed:        getInt(data, "failed"),
		QuotaLimit:    getInt(data, "quotaLimit"),
		GraceLimit:    getInt(data, "graceLimit"),
		QuotaExceeded: getBool(data, "exceeded"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}, nil
}

// RecordOutcome implements admission.Store.
func (s *Store) RecordOutcome(ctx context.Context, credentialID, month string, success bool) error {
	if credentialID == "" {
		return admission.ErrInvalidCredential
	}

	field := "failed"
	if success {
		field = "succeeded"
	}
	_, err := s.ledgerDoc(credentialID, month).Set(ctx, map[string]interface{}{
		"credentialId": credentialID,
		"month":        month,
		field:          firestore.Increment(1),
		"updatedAt":    time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return wrapUnavailable("record outcome", err)
	}
	return nil
}

// ConsumeAddOn implements admission.Store. The candidate query runs inside
// the transaction, so the decrement is consistent with the snapshot it read.
func (s *Store) ConsumeAddOn(ctx context.Context, credentialID string, now time.Time) (*admission.AddOnBlock, error) {
	now = now.UTC()
	var block admission.AddOnBlock

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		query := s.client.Collection(s.addonsCollection).
			Where("credentialId", "==", credentialID).
			Where("expiresAt", ">", now).
			OrderBy("expiresAt", firestore.Asc)

		iter := tx.Documents(query)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				return admission.ErrAddOnExhausted
			}
			if err != nil {
				return err
			}

			data := snap.Data()
			remaining := getInt(data, "remaining")
			activatesAt := getTime(data, "activatesAt")
			if remaining <= 0 || activatesAt.After(now) {
				continue
			}

			remaining--
			block = admission.AddOnBlock{
				ID:           snap.Ref.ID,
				CredentialID: credentialID,
				Remaining:    remaining,
				ActivatesAt:  activatesAt,
				ExpiresAt:    getTime(data, "expiresAt"),
				CreatedAt:    getTime(data, "createdAt"),
			}
			return tx.Update(snap.Ref, []firestore.Update{
				{Path: "remaining", Value: remaining},
				{Path: "updatedAt", Value: time.Now().UTC()},
			})
		}
	})
	if errors.Is(err, admission.ErrAddOnExhausted) {
		return nil, admission.ErrAddOnExhausted
	}
	if err != nil {
		return nil, wrapUnavailable("consume add-on", err)
	}
	return &block, nil
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

	now := time.Now().UTC()
	block := &admission.AddOnBlock{
		ID:           uuid.NewString(),
		CredentialID: req.CredentialID,
		Remaining:    req.Units,
		ActivatesAt:  req.ActivatesAt.UTC(),
		ExpiresAt:    req.ExpiresAt.UTC(),
		CreatedAt:    now,
	}

	_, err := s.client.Collection(s.addonsCollection).Doc(block.ID).Create(ctx, map[string]interface{}{
		"credentialId": block.CredentialID,
		"remaining":    block.Remaining,
		"activatesAt":  block.ActivatesAt,
		"expiresAt":    block.ExpiresAt,
		"createdAt":    block.CreatedAt,
		"updatedAt":    now,
	})
	if err != nil {
		return nil, wrapUnavailable("create add-on block", err)
	}
	return block, nil
}

// ListAddOnBlocks implements admission.Store.
func (s *Store) ListAddOnBlocks(ctx context.Context, credentialID string) ([]*admission.AddOnBlock, error) {
	iter := s.client.Collection(s.addonsCollection).
		Where("credentialId", "==", credentialID).
		OrderBy("expiresAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var blocks []*admission.AddOnBlock
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapUnavailable("list add-on blocks", err)
		}

		data := snap.Data()
		blocks = append(blocks, &admission.AddOnBlock{
			ID:           snap.Ref.ID,
			CredentialID: credentialID,
			Remaining:    getInt(data, "remaining"),
			ActivatesAt:  getTime(data, "activatesAt"),
			ExpiresAt:    getTime(data, "expiresAt"),
			CreatedAt:    getTime(data, "createdAt"),
		})
	}
	return blocks, nil
}

// AppendUsageRecord implements admission.Store. Create on the record ID
// fails with AlreadyExists for a retried delivery, which reads as success.
func (s *Store) AppendUsageRecord(ctx context.Context, rec *admission.UsageRecord) error {
	if rec == nil || rec.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	_, err := s.client.Collection(s.auditCollection).Doc(rec.ID).Create(ctx, map[string]interface{}{
		"credentialId": rec.CredentialID,
		"resource":     rec.Resource,
		"timestamp":    rec.Timestamp,
		"success":      rec.Success,
		"latencyMs":    rec.Latency.Milliseconds(),
		"metadata":     rec.Metadata,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return wrapUnavailable("append usage record", err)
	}
	return nil
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	v, _ := data[key].(time.Time)
	return v
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, admission.ErrStoreUnavailable, err)
}
