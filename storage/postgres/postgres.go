// Package postgres provides a PostgreSQL implementation of the
// admission.Store interface. Counter mutations run inside SQL transactions:
// an INSERT ... ON CONFLICT DO NOTHING resolves creation races, and a
// SELECT ... FOR UPDATE pins the row for the conditional increment, so the
// compare and the increment are one serializable step. Connectivity failures
// are wrapped in admission.ErrStoreUnavailable so the engine can fail open.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandgate/quotas/pkg/admission"
)

// Schema is the DDL this store expects. Apply it with your migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS window_counters (
	credential_id  TEXT        NOT NULL,
	window_start   TIMESTAMPTZ NOT NULL,
	window_end     TIMESTAMPTZ NOT NULL,
	request_count  BIGINT      NOT NULL DEFAULT 0,
	request_limit  BIGINT      NOT NULL,
	blocked_count  BIGINT      NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (credential_id, window_start)
);

CREATE TABLE IF NOT EXISTS monthly_ledgers (
	credential_id  TEXT        NOT NULL,
	month          TEXT        NOT NULL,
	total_count    BIGINT      NOT NULL DEFAULT 0,
	success_count  BIGINT      NOT NULL DEFAULT 0,
	failure_count  BIGINT      NOT NULL DEFAULT 0,
	quota_limit    BIGINT      NOT NULL DEFAULT 0,
	grace_limit    BIGINT      NOT NULL DEFAULT 0,
	quota_exceeded BOOLEAN     NOT NULL DEFAULT false,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (credential_id, month)
);

CREATE TABLE IF NOT EXISTS addon_blocks (
	id                 UUID        PRIMARY KEY DEFAULT gen_random_uuid(),
	credential_id      TEXT        NOT NULL,
	requests_remaining BIGINT      NOT NULL,
	activates_at       TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS addon_blocks_active
	ON addon_blocks (credential_id, expires_at)
	WHERE requests_remaining > 0;

CREATE TABLE IF NOT EXISTS usage_records (
	id            UUID        PRIMARY KEY,
	credential_id TEXT        NOT NULL,
	resource      TEXT        NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL,
	success       BOOLEAN     NOT NULL,
	latency_ms    BIGINT      NOT NULL DEFAULT 0,
	metadata      JSONB
);
CREATE INDEX IF NOT EXISTS usage_records_credential
	ON usage_records (credential_id, recorded_at);
`

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Janitor configuration. The janitor is an explicit ticker task with a
	// documented start/stop lifecycle, independent of the admission path.
	JanitorEnabled  bool
	JanitorInterval time.Duration // how often to prune (default: 1h)
	AuditRetention  time.Duration // how long usage records are kept (default: 90 days)
	WindowRetention time.Duration // how long superseded windows are kept (default: 7 days)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		JanitorEnabled:  true,
		JanitorInterval: time.Hour,
		AuditRetention:  90 * 24 * time.Hour,
		WindowRetention: 7 * 24 * time.Hour,
	}
}

// Store implements admission.Store using PostgreSQL.
type Store struct {
	pool        *pgxpool.Pool
	config      Config
	stopJanitor func()
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:        pool,
		config:      config,
		stopJanitor: cancel,
	}
	if config.JanitorEnabled {
		go s.runJanitor(janitorCtx)
	}
	return s, nil
}

// Close stops the janitor and closes the connection pool.
func (s *Store) Close() {
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// IncrementWindow implements admission.Store.
//
// The sequence inside one transaction:
//  1. upsert the row (ON CONFLICT DO NOTHING) — the losing writer of a
//     creation race lands here harmlessly;
//  2. SELECT ... FOR UPDATE — the row now exists for every racer;
//  3. conditional UPDATE — the compare and increment happen under the row
//     lock, so no increment is lost and the limit is never overshot.
func (s *Store) IncrementWindow(ctx context.Context, req *admission.WindowIncrementRequest) (*admission.WindowCounter, bool, error) {
	if req == nil || req.CredentialID == "" {
		return nil, false, admission.ErrInvalidCredential
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, wrapUnavailable("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO window_counters
				(credential_id, window_start, window_end, request_count, request_limit, updated_at)
			VALUES ($1, $2, $3, 0, $4, now())
			ON CONFLICT (credential_id, window_start) DO NOTHING`,
		req.CredentialID, req.WindowStart, req.WindowEnd, req.Limit,
	)
	if err != nil {
		return nil, false, wrapUnavailable("ensure window counter", err)
	}

	var counter admission.WindowCounter
	err = tx.QueryRow(ctx,
		`SELECT credential_id, window_start, window_end, request_count, request_limit, blocked_count, updated_at
			FROM window_counters
			WHERE credential_id = $1 AND window_start = $2
			FOR UPDATE`,
		req.CredentialID, req.WindowStart).Scan(
		&counter.CredentialID, &counter.WindowStart, &counter.WindowEnd,
		&counter.Count, &counter.Limit, &counter.Blocked, &counter.UpdatedAt,
	)
	if err != nil {
		return nil, false, wrapUnavailable("lock window counter", err)
	}

	admitted := counter.Count < counter.Limit
	if admitted {
		counter.Count++
		_, err = tx.Exec(ctx,
			`UPDATE window_counters
				SET request_count = $1, updated_at = now()
				WHERE credential_id = $2 AND window_start = $3`,
			counter.Count, req.CredentialID, req.WindowStart)
		if err != nil {
			return nil, false, wrapUnavailable("increment window counter", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, wrapUnavailable("commit", err)
	}
	return &counter, admitted, nil
}

// IncrementBlocked implements admission.Store.
func (s *Store) IncrementBlocked(ctx context.Context, req *admission.WindowIncrementRequest) error {
	if req == nil || req.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO window_counters
				(credential_id, window_start, window_end, request_count, request_limit, blocked_count, updated_at)
			VALUES ($1, $2, $3, 0, $4, 1, now())
			ON CONFLICT (credential_id, window_start) DO UPDATE SET
				blocked_count = window_counters.blocked_count + 1,
				updated_at = now()`,
		req.CredentialID, req.WindowStart, req.WindowEnd, req.Limit,
	)
	if err != nil {
		return wrapUnavailable("increment blocked counter", err)
	}
	return nil
}

// GetWindow implements admission.Store.
func (s *Store) GetWindow(ctx context.Context, credentialID string, windowStart time.Time) (*admission.WindowCounter, error) {
	var counter admission.WindowCounter
	err := s.pool.QueryRow(ctx,
		`SELECT credential_id, window_start, window_end, request_count, request_limit, blocked_count, updated_at
			FROM window_counters
			WHERE credential_id = $1 AND window_start = $2`,
		credentialID, windowStart).Scan(
		&counter.CredentialID, &counter.WindowStart, &counter.WindowEnd,
		&counter.Count, &counter.Limit, &counter.Blocked, &counter.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get window counter", err)
	}
	return &counter, nil
}

// IncrementLedger implements admission.Store. A single upsert carries both
// the first-of-month creation and the atomic increment; the quota_exceeded
// flag is maintained in the same statement.
func (s *Store) IncrementLedger(ctx context.Context, req *admission.LedgerIncrementRequest) (*admission.MonthlyLedger, error) {
	if req == nil || req.CredentialID == "" {
		return nil, admission.ErrInvalidCredential
	}
	if req.Amount < 0 {
		return nil, admission.ErrInvalidAmount
	}

	var ledger admission.MonthlyLedger
	err := s.pool.QueryRow(ctx,
		`INSERT INTO monthly_ledgers
				(credential_id, month, total_count, quota_limit, grace_limit, quota_exceeded, updated_at)
			VALUES ($1, $2, $3, $4, $5, $4 > 0 AND $3 >= $4, now())
			ON CONFLICT (credential_id, month) DO UPDATE SET
				total_count = monthly_ledgers.total_count + $3,
				quota_limit = CASE WHEN monthly_ledgers.quota_limit = 0 THEN $4 ELSE monthly_ledgers.quota_limit END,
				grace_limit = CASE WHEN monthly_ledgers.quota_limit = 0 THEN $5 ELSE monthly_ledgers.grace_limit END,
				quota_exceeded = monthly_ledgers.quota_exceeded OR
					(monthly_ledgers.quota_limit > 0 AND monthly_ledgers.total_count + $3 >= monthly_ledgers.quota_limit),
				updated_at = now()
			RETURNING credential_id, month, total_count, success_count, failure_count,
				quota_limit, grace_limit, quota_exceeded, updated_at`,
		req.CredentialID, req.Month, req.Amount, req.QuotaLimit, req.GraceLimit).Scan(
		&ledger.CredentialID, &ledger.Month, &ledger.Total, &ledger.Succeeded, &ledger.Failed,
		&ledger.QuotaLimit, &ledger.GraceLimit, &ledger.QuotaExceeded, &ledger.UpdatedAt,
	)
	if err != nil {
		return nil, wrapUnavailable("increment ledger", err)
	}
	return &ledger, nil
}

// GetLedger implements admission.Store.
func (s *Store) GetLedger(ctx context.Context, credentialID, month string) (*admission.MonthlyLedger, error) {
	var ledger admission.MonthlyLedger
	err := s.pool.QueryRow(ctx,
		`SELECT credential_id, month, total_count, success_count, failure_count,
				quota_limit, grace_limit, quota_exceeded, updated_at
			FROM monthly_ledgers
			WHERE credential_id = $1 AND month = $2`,
		credentialID, month).Scan(
		&ledger.CredentialID, &ledger.Month, &ledger.Total, &ledger.Succeeded, &ledger.Failed,
		&ledger.QuotaLimit, &ledger.GraceLimit, &ledger.QuotaExceeded, &ledger.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get ledger", err)
	}
	return &ledger, nil
}

// RecordOutcome implements admission.Store.
func (s *Store) RecordOutcome(ctx context.Context, credentialID, month string, success bool) error {
	if credentialID == "" {
		return admission.ErrInvalidCredential
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO monthly_ledgers
				(credential_id, month, success_count, failure_count, updated_at)
			VALUES ($1, $2, ($3::bool)::int, (NOT $3::bool)::int, now())
			ON CONFLICT (credential_id, month) DO UPDATE SET
				success_count = monthly_ledgers.success_count + (($3::bool)::int),
				failure_count = monthly_ledgers.failure_count + ((NOT $3::bool)::int),
				updated_at = now()`,
		credentialID, month, success,
	)
	if err != nil {
		return wrapUnavailable("record outcome", err)
	}
	return nil
}

// ConsumeAddOn implements admission.Store. SKIP LOCKED keeps concurrent
// consumers from serializing on the same block while the expires_at ordering
// still drains soon-to-expire capacity first.
func (s *Store) ConsumeAddOn(ctx context.Context, credentialID string, now time.Time) (*admission.AddOnBlock, error) {
	var block admission.AddOnBlock
	err := s.pool.QueryRow(ctx,
		`WITH candidate AS (
				SELECT id FROM addon_blocks
				WHERE credential_id = $1
					AND requests_remaining > 0
					AND activates_at <= $2
					AND expires_at > $2
				ORDER BY expires_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE addon_blocks b
			SET requests_remaining = b.requests_remaining - 1, updated_at = now()
			FROM candidate
			WHERE b.id = candidate.id
			RETURNING b.id, b.credential_id, b.requests_remaining, b.activates_at, b.expires_at, b.created_at`,
		credentialID, now).Scan(
		&block.ID, &block.CredentialID, &block.Remaining,
		&block.ActivatesAt, &block.ExpiresAt, &block.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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

	var block admission.AddOnBlock
	err := s.pool.QueryRow(ctx,
		`INSERT INTO addon_blocks (credential_id, requests_remaining, activates_at, expires_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, credential_id, requests_remaining, activates_at, expires_at, created_at`,
		req.CredentialID, req.Units, req.ActivatesAt, req.ExpiresAt).Scan(
		&block.ID, &block.CredentialID, &block.Remaining,
		&block.ActivatesAt, &block.ExpiresAt, &block.CreatedAt,
	)
	if err != nil {
		return nil, wrapUnavailable("create add-on block", err)
	}
	return &block, nil
}

// ListAddOnBlocks implements admission.Store.
func (s *Store) ListAddOnBlocks(ctx context.Context, credentialID string) ([]*admission.AddOnBlock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, credential_id, requests_remaining, activates_at, expires_at, created_at
			FROM addon_blocks
			WHERE credential_id = $1
			ORDER BY expires_at ASC`,
		credentialID)
	if err != nil {
		return nil, wrapUnavailable("list add-on blocks", err)
	}
	defer rows.Close()

	var blocks []*admission.AddOnBlock
	for rows.Next() {
		var block admission.AddOnBlock
		if err := rows.Scan(
			&block.ID, &block.CredentialID, &block.Remaining,
			&block.ActivatesAt, &block.ExpiresAt, &block.CreatedAt,
		); err != nil {
			return nil, wrapUnavailable("scan add-on block", err)
		}
		blocks = append(blocks, &block)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("iterate add-on blocks", err)
	}
	return blocks, nil
}

// AppendUsageRecord implements admission.Store. Inserts are keyed by record
// ID so a retried partial delivery does not duplicate the audit trail.
func (s *Store) AppendUsageRecord(ctx context.Context, rec *admission.UsageRecord) error {
	if rec == nil || rec.CredentialID == "" {
		return admission.ErrInvalidCredential
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, credential_id, resource, recorded_at, success, latency_ms, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CredentialID, rec.Resource, rec.Timestamp, rec.Success,
		rec.Latency.Milliseconds(), rec.Metadata,
	)
	if err != nil {
		return wrapUnavailable("append usage record", err)
	}
	return nil
}

// runJanitor prunes expired add-on blocks, superseded window counters and
// aged audit rows on a fixed interval until the store is closed.
func (s *Store) runJanitor(ctx context.Context) {
	interval := s.config.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

func (s *Store) pruneOnce(ctx context.Context) {
	now := time.Now().UTC()

	// Expired blocks are never reused; empty drained blocks go with them.
	_, _ = s.pool.Exec(ctx,
		`DELETE FROM addon_blocks WHERE expires_at <= $1`, now)

	if s.config.WindowRetention > 0 {
		_, _ = s.pool.Exec(ctx,
			`DELETE FROM window_counters WHERE window_end <= $1`,
			now.Add(-s.config.WindowRetention))
	}
	if s.config.AuditRetention > 0 {
		_, _ = s.pool.Exec(ctx,
			`DELETE FROM usage_records WHERE recorded_at <= $1`,
			now.Add(-s.config.AuditRetention))
	}
}

// wrapUnavailable classifies a pgx error for the engine's fail-open logic.
// Constraint violations and similar SQL-level errors pass through unchanged;
// everything else (network, pool exhaustion, shutdown) reads as store
// unavailability.
func wrapUnavailable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, admission.ErrStoreUnavailable, err)
}
