package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecorderConfig holds usage recorder configuration.
type RecorderConfig struct {
	// Workers is the size of the delivery pool, sized independently of
	// request-handling concurrency so an audit backlog never blocks
	// admission decisions (default: 4).
	Workers int

	// QueueSize bounds the fire-and-forget queue. When full, new outcomes
	// are dropped and logged — the explicit overflow policy — rather than
	// queued without bound (default: 1024).
	QueueSize int

	// MaxAttempts bounds delivery retries per outcome before dropping with a
	// log (default: 3).
	MaxAttempts int

	// RetryBackoff is the pause between delivery attempts (default: 100ms).
	RetryBackoff time.Duration

	// DeliveryTimeout bounds each delivery's unit of work (default: 5s).
	DeliveryTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// Recorder persists completed request outcomes: an append-only audit record
// plus the monthly ledger's success/failure finalization. It runs either off
// the request path (Record, a bounded worker pool) or inline (RecordSync)
// with the same delivery logic.
//
// Admission counters are advanced synchronously by the Engine; the recorder
// is the best-effort audit side. Its failures are logged, bounded-retried on
// the async path, and never surfaced to the admission caller.
type Recorder struct {
	store Store
	cfg   RecorderConfig

	queue chan Outcome
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder creates a recorder and starts its worker pool.
func NewRecorder(store Store, cfg RecorderConfig) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrStoreUnavailable)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	r := &Recorder{
		store: store,
		cfg:   cfg,
		queue: make(chan Outcome, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r, nil
}

// Record enqueues an outcome for asynchronous delivery. It never blocks: a
// full queue drops the outcome with a log and a metric. Callers must not
// assume ordering or guaranteed completion.
func (r *Recorder) Record(o Outcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(o, "recorder_closed")
		return
	}

	select {
	case r.queue <- o:
	default:
		r.drop(o, "queue_full")
	}
}

// RecordSync delivers the outcome inline as its own isolated unit of work,
// for operations that must guarantee the audit trail exists before
// returning. A failure here never rolls back an admission already granted.
func (r *Recorder) RecordSync(ctx context.Context, o Outcome) error {
	return r.deliver(ctx, o, uuid.NewString())
}

// Close stops accepting new outcomes, drains the queue, and waits for the
// workers to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for o := range r.queue {
		r.deliverWithRetry(o)
	}
}

// deliverWithRetry attempts delivery a bounded number of times, then drops
// with a log. Usage auditing is best-effort; unbounded retries would only
// grow the backlog during an outage.
func (r *Recorder) deliverWithRetry(o Outcome) {
	// One record ID across attempts so stores that key the audit trail by ID
	// deduplicate a retried partial delivery.
	id := uuid.NewString()

	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeliveryTimeout)
		err = r.deliver(ctx, o, id)
		cancel()
		if err == nil {
			r.cfg.Metrics.RecordAuditDelivered(true)
			return
		}
		if attempt < r.cfg.MaxAttempts {
			time.Sleep(r.cfg.RetryBackoff)
		}
	}

	r.cfg.Metrics.RecordAuditDelivered(false)
	r.cfg.Metrics.RecordAuditDrop("retries_exhausted")
	r.cfg.Logger.Error("usage record dropped after retries",
		Field{"credentialId", o.CredentialID},
		Field{"resource", o.Resource},
		Field{"attempts", r.cfg.MaxAttempts},
		Field{"error", err.Error()},
	)
}

// deliver appends the audit record and finalizes the outcome on the monthly
// ledger exactly once per invocation.
func (r *Recorder) deliver(ctx context.Context, o Outcome, id string) error {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec := &UsageRecord{
		ID:           id,
		CredentialID: o.CredentialID,
		Resource:     o.Resource,
		Timestamp:    ts,
		Success:      o.Success,
		Latency:      o.Latency,
		Metadata:     o.Metadata,
	}
	if err := r.store.AppendUsageRecord(ctx, rec); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	if err := r.store.RecordOutcome(ctx, o.CredentialID, MonthKey(ts), o.Success); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (r *Recorder) drop(o Outcome, reason string) {
	r.cfg.Metrics.RecordAuditDrop(reason)
	r.cfg.Logger.Warn("usage record dropped",
		Field{"credentialId", o.CredentialID},
		Field{"resource", o.Resource},
		Field{"reason", reason},
	)
}
