// Package redis provides a Redis implementation of the admission.Store
// interface. Every counter mutation runs inside a Lua script, so the
// check-and-increment is a single atomic step on the Redis side regardless of
// how many application instances share the deployment. Add-on blocks live in
// a per-credential sorted set scored by expiry, which gives the
// oldest-expiring-first consumption order a native representation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brandgate/quotas/pkg/admission"
)

// Store implements admission.Store using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quotas:").
	KeyPrefix string

	// WindowTTL is how long superseded window counters linger before Redis
	// expires them (default: 24h). Must exceed the longest tier window.
	WindowTTL time.Duration

	// LedgerTTL is the TTL for monthly ledgers (default: 90 days).
	LedgerTTL time.Duration

	// AuditTTL is the TTL for usage records (0 = no expiration).
	AuditTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "quotas:",
		WindowTTL: 24 * time.Hour,
		LedgerTTL: 90 * 24 * time.Hour,
		AuditTTL:  0,
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "quotas:"
	}
	if config.WindowTTL == 0 {
		config.WindowTTL = 24 * time.Hour
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Store) loadScripts() {
	// Increment a window counter if below its limit. HSETNX seeds the hash
	// on first touch, so a creation race collapses into concurrent HINCRBY
	// calls on one hash.
	s.scripts["incrementWindow"] = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local windowStart = ARGV[2]
		local windowEnd = ARGV[3]
		local now = ARGV[4]
		local ttl = tonumber(ARGV[5])

		redis.call('HSETNX', key, 'count', 0)
		redis.call('HSETNX', key, 'blocked', 0)
		redis.call('HSET', key, 'limit', limit, 'windowStart', windowStart, 'windowEnd', windowEnd)

		local count = tonumber(redis.call('HGET', key, 'count'))
		local admitted = 0
		if count < limit then
			count = redis.call('HINCRBY', key, 'count', 1)
			admitted = 1
		end
		redis.call('HSET', key, 'updatedAt', now)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end

		local blocked = tonumber(redis.call('HGET', key, 'blocked'))
		return {count, blocked, admitted}
	`)

	// Increment the blocked counter, creating the hash if needed.
	s.scripts["incrementBlocked"] = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local windowStart = ARGV[2]
		local windowEnd = ARGV[3]
		local now = ARGV[4]
		local ttl = tonumber(ARGV[5])

		redis.call('HSETNX', key, 'count', 0)
		redis.call('HSET', key, 'limit', limit, 'windowStart', windowStart, 'windowEnd', windowEnd, 'updatedAt', now)
		redis.call('HINCRBY', key, 'blocked', 1)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'ok'
	`)

	// Advance the monthly ledger total and maintain the exceeded flag. The
	// stored limits are written once on creation and left alone afterwards,
	// matching the first-writer-wins semantics of the SQL path.
	s.scripts["incrementLedger"] = redis.NewScript(`
		local key = KEYS[1]
		local amount = tonumber(ARGV[1])
		local quotaLimit = tonumber(ARGV[2])
		local graceLimit = tonumber(ARGV[3])
		local now = ARGV[4]
		local ttl = tonumber(ARGV[5])

		redis.call('HSETNX', key, 'total', 0)
		redis.call('HSETNX', key, 'succeeded', 0)
		redis.call('HSETNX', key, 'failed', 0)
		redis.call('HSETNX', key, 'quotaLimit', quotaLimit)
		redis.call('HSETNX', key, 'graceLimit', graceLimit)
		redis.call('HSETNX', key, 'exceeded', 0)

		local total = redis.call('HINCRBY', key, 'total', amount)
		local storedQuota = tonumber(redis.call('HGET', key, 'quotaLimit'))
		if storedQuota > 0 and total >= storedQuota then
			redis.call('HSET', key, 'exceeded', 1)
		end
		redis.call('HSET', key, 'updatedAt', now)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end

		return redis.call('HMGET', key, 'total', 'succeeded', 'failed', 'quotaLimit', 'graceLimit', 'exceeded')
	`)

	// Record a request outcome against the ledger.
	s.scripts["recordOutcome"] = redis.NewScript(`
		local key = KEYS[1]
		local field = ARGV[1]
		local now = ARGV[2]
		local ttl = tonumber(ARGV[3])

		redis.call('HSETNX', key, 'total', 0)
		redis.call('HINCRBY', key, field, 1)
		redis.call('HSET', key, 'updatedAt', now)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'ok'
	`)

	// Consume one unit from the oldest-expiring active block. The index is a
	// sorted set scored by expiry; ZRANGEBYSCORE walks candidates in expiry
	// order and the first block that has activated and still has units wins.
	// Drained and expired blocks encountered along the way are pruned from
	// the index as a side effect.
	s.scripts["consumeAddOn"] = redis.NewScript(`
		local indexKey = KEYS[1]
		local blockPrefix = ARGV[1]
		local now = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', indexKey, '-inf', now)

		local ids = redis.call('ZRANGEBYSCORE', indexKey, '(' .. now, '+inf')
		for _, id in ipairs(ids) do
			local blockKey = blockPrefix .. id
			local fields = redis.call('HMGET', blockKey, 'remaining', 'activatesAt')
			if not fields[1] then
				redis.call('ZREM', indexKey, id)
			else
				local remaining = tonumber(fields[1])
				local activatesAt = tonumber(fields[2])
				if remaining <= 0 then
					redis.call('ZREM', indexKey, id)
				elseif activatesAt <= now then
					remaining = redis.call('HINCRBY', blockKey, 'remaining', -1)
					if remaining <= 0 then
						redis.call('ZREM', indexKey, id)
					end
					return {id, remaining}
				end
			end
		end
		return false
	`)
}

func (s *Store) windowKey(credentialID string, windowStart time.Time) string {
	return fmt.Sprintf("%swindow:%s:%d", s.config.KeyPrefix, credentialID, windowStart.Unix())
}

func (s *Store) ledgerKey(credentialID, month string) string {
	return fmt.Sprintf("%sledger:%s:%s", s.config.KeyPrefix, credentialID, month)
}

func (s *Store) addonIndexKey(credentialID string) string {
	return fmt.Sprintf("%saddons:%s", s.config.KeyPrefix, credentialID)
}

func (s *Store) addonBlockKey(credentialID, id string) string {
	return fmt.Sprintf("%saddon:%s:%s", s.config.KeyPrefix, credentialID, id)
}

func (s *Store) auditKey(credentialID string) string {
	return fmt.Sprintf("%saudit:%s", s.config.KeyPrefix, credentialID)
}

func (s *Store) auditIDKey(id string) string {
	return fmt.Sprintf("%saudit-id:%s", s.config.KeyPrefix, id)
}

// IncrementWindow implements admission.Store.
func (s *Store) IncrementWindow(ctx context.Context, req *admission.WindowIncrementRequest) (*admission.WindowCounter, bool, error) {
	if req == nil || req.CredentialID == "" {
		return nil, false, admission.ErrInvalidCredential
	}

	now := time.Now().UTC()
	result, err := s.scripts["incrementWindow"].Run(ctx, s.client,
		[]string{s.windowKey(req.CredentialID, req.WindowStart)},
		req.Limit,
		req.WindowStart.Unix(),
		req.WindowEnd.Unix(),
		now.Unix(),
		int(s.config.WindowTTL.Seconds()),
	).Slice()
	if err != nil {
		return nil, false, wrapUnavailable("increment window", err)
	}
	if len(result) != 3 {
		return nil, false, fmt.Errorf("increment window: unexpected script result %v", result)
	}

	count, _ := result[0].(int64)
	blocked, _ := result[1].(int64)
	admitted, _ := result[2].(int64)

	return &admission.WindowCounter{
		CredentialID: req.CredentialID,
		WindowStart:  req.WindowStart,
		WindowEnd:    req.WindowEnd,
		Count:        int(count),
		Limit:        req.Limit,
		Blocked:      int(blocked),
		UpdatedAt:    now,
	}, admitted == 1, nil
}

// IncrementBlocked implements admission.Store.
func (s *Store) IncrementBlocked(ctx context.Context, req *admission.WindowIncrementRequest) error {
	if req == nil || req.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	err := s.scripts["incrementBlocked"].Run(ctx, s.client,
		[]string{s.windowKey(req.CredentialID, req.WindowStart)},
		req.Limit,
		req.WindowStart.Unix(),
		req.WindowEnd.Unix(),
		time.Now().UTC().Unix(),
		int(s.config.WindowTTL.Seconds()),
	).Err()
	if err != nil {
		return wrapUnavailable("increment blocked", err)
	}
	return nil
}

// GetWindow implements admission.Store.
func (s *Store) GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*admission.WindowCounter, error) {
	fields, err := s.client.HGetAll(ctx, s.windowKey(credentialID, windowStart)).Result()
	if err != nil {
		return nil, wrapUnavailable("get window", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	counter := &admission.WindowCounter{
		CredentialID: credentialID,
		WindowStart:  windowStart,
		Count:        atoi(fields["count"]),
		Limit:        atoi(fields["limit"]),
		Blocked:      atoi(fields["blocked"]),
	}
	if v := atoi64(fields["windowEnd"]); v > 0 {
		counter.WindowEnd = time.Unix(v, 0).UTC()
	}
	if v := atoi64(fields["updatedAt"]); v > 0 {
		counter.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return counter, nil
}

// IncrementLedger implements admission.Store.
func (s *Store) IncrementLedger(ctx context.Context, req *admission.LedgerIncrementRequest) (*admission.MonthlyLedger, error) {
	if req == nil || req.CredentialID == "" {
		return nil, admission.ErrInvalidCredential
	}
	if req.Amount < 0 {
		return nil, admission.ErrInvalidAmount
	}

	now := time.Now().UTC()
	result, err := s.scripts["incrementLedger"].Run(ctx, s.client,
		[]string{s.ledgerKey(req.CredentialID, req.Month)},
		req.Amount,
		req.QuotaLimit,
		req.GraceLimit,
		now.Unix(),
		int(s.config.LedgerTTL.Seconds()),
	).Slice()
	if err != nil {
		return nil, wrapUnavailable("increment ledger", err)
	}
	if len(result) != 6 {
		return nil, fmt.Errorf("increment ledger: unexpected script result %v", result)
	}

	return &admission.MonthlyLedger{
		CredentialID:  req.CredentialID,
		Month:         req.Month,
		Total:         scriptInt(result[0]),
		Succeeded:     scriptInt(result[1]),
		Failed:        scriptInt(result[2]),
		QuotaLimit:    scriptInt(result[3]),
		GraceLimit:    scriptInt(result[4]),
		QuotaExceeded: scriptInt(result[5]) == 1,
		UpdatedAt:     now,
	}, nil
}

// GetLedger implements admission.Store.
func (s *Store) GetLedger(ctx context.Context, credentialID, month string) (*admission.MonthlyLedger, error) {
	fields, err := s.client.HGetAll(ctx, s.ledgerKey(credentialID, month)).Result()
	if err != nil {
		return nil, wrapUnavailable("get ledger", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ledger := &admission.MonthlyLedger{
		CredentialID:  credentialID,
		Month:         month,
		Total:         atoi(fields["total"]),
		Succeeded:     atoi(fields["succeeded"]),
		Failed:        atoi(fields["failed"]),
		QuotaLimit:    atoi(fields["quotaLimit"]),
		GraceLimit:    atoi(fields["graceLimit"]),
		QuotaExceeded: fields["exceeded"] == "1",
	}
	if v := atoi64(fields["updatedAt"]); v > 0 {
		ledger.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return ledger, nil
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
	err := s.scripts["recordOutcome"].Run(ctx, s.client,
		[]string{s.ledgerKey(credentialID, month)},
		field,
		time.Now().UTC().Unix(),
		int(s.config.LedgerTTL.Seconds()),
	).Err()
	if err != nil {
		return wrapUnavailable("record outcome", err)
	}
	return nil
}

// ConsumeAddOn implements admission.Store.
func (s *Store) ConsumeAddOn(ctx context.Context, credentialID string, now time.Time) (*admission.AddOnBlock, error) {
	result, err := s.scripts["consumeAddOn"].Run(ctx, s.client,
		[]string{s.addonIndexKey(credentialID)},
		s.addonBlockKey(credentialID, ""),
		now.UTC().Unix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, admission.ErrAddOnExhausted
	}
	if err != nil {
		return nil, wrapUnavailable("consume add-on", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("consume add-on: unexpected script result %v", result)
	}

	id, _ := result[0].(string)
	remaining := scriptInt(result[1])

	fields, err := s.client.HGetAll(ctx, s.addonBlockKey(credentialID, id)).Result()
	if err != nil {
		return nil, wrapUnavailable("read add-on block", err)
	}
	block := &admission.AddOnBlock{
		ID:           id,
		CredentialID: credentialID,
		Remaining:    remaining,
	}
	if v := atoi64(fields["activatesAt"]); v > 0 {
		block.ActivatesAt = time.Unix(v, 0).UTC()
	}
	if v := atoi64(fields["expiresAt"]); v > 0 {
		block.ExpiresAt = time.Unix(v, 0).UTC()
	}
	if v := atoi64(fields["createdAt"]); v > 0 {
		block.CreatedAt = time.Unix(v, 0).UTC()
	}
	return block, nil
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

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.addonBlockKey(block.CredentialID, block.ID), map[string]interface{}{
		"remaining":   block.Remaining,
		"activatesAt": block.ActivatesAt.Unix(),
		"expiresAt":   block.ExpiresAt.Unix(),
		"createdAt":   block.CreatedAt.Unix(),
	})
	pipe.ExpireAt(ctx, s.addonBlockKey(block.CredentialID, block.ID), block.ExpiresAt.Add(time.Hour))
	pipe.ZAdd(ctx, s.addonIndexKey(block.CredentialID), redis.Z{
		Score:  float64(block.ExpiresAt.Unix()),
		Member: block.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapUnavailable("create add-on block", err)
	}
	return block, nil
}

// ListAddOnBlocks implements admission.Store.
func (s *Store) ListAddOnBlocks(ctx context.Context, credentialID string) ([]*admission.AddOnBlock, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.addonIndexKey(credentialID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, wrapUnavailable("list add-on blocks", err)
	}

	var blocks []*admission.AddOnBlock
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.addonBlockKey(credentialID, id)).Result()
		if err != nil {
			return nil, wrapUnavailable("read add-on block", err)
		}
		if len(fields) == 0 {
			continue
		}
		block := &admission.AddOnBlock{
			ID:           id,
			CredentialID: credentialID,
			Remaining:    atoi(fields["remaining"]),
		}
		if v := atoi64(fields["activatesAt"]); v > 0 {
			block.ActivatesAt = time.Unix(v, 0).UTC()
		}
		if v := atoi64(fields["expiresAt"]); v > 0 {
			block.ExpiresAt = time.Unix(v, 0).UTC()
		}
		if v := atoi64(fields["createdAt"]); v > 0 {
			block.CreatedAt = time.Unix(v, 0).UTC()
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// AppendUsageRecord implements admission.Store. SETNX on the record ID makes
// retried partial deliveries idempotent.
func (s *Store) AppendUsageRecord(ctx context.Context, rec *admission.UsageRecord) error {
	if rec == nil || rec.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	fresh, err := s.client.SetNX(ctx, s.auditIDKey(rec.ID), 1, 24*time.Hour).Result()
	if err != nil {
		return wrapUnavailable("append usage record", err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.auditKey(rec.CredentialID), payload)
	if s.config.AuditTTL > 0 {
		pipe.Expire(ctx, s.auditKey(rec.CredentialID), s.config.AuditTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapUnavailable("append usage record", err)
	}
	return nil
}

func atoi(s string) int {
	return int(atoi64(s))
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func scriptInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		return atoi(n)
	default:
		return 0
	}
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, admission.ErrStoreUnavailable, err)
}
