package dataveil

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what happened to a field during masking.
type Outcome string

const (
	OutcomeMasked      Outcome = "masked"
	OutcomeRedacted    Outcome = "redacted"
	OutcomePassthrough Outcome = "passthrough"
	OutcomeFailed      Outcome = "failed"
)

// AuditEvent records one masking decision for compliance review. It
// never carries the original or masked value; CorrelationID is the
// vault fingerprint, which links the event to its vault entry without
// revealing either value. Reason carries error text for failed
// outcomes only.
type AuditEvent struct {
	ID            uuid.UUID
	Time          time.Time
	Field         FieldIdentity
	Strategy      string
	CorrelationID string
	Outcome       Outcome
	Reason        string
}

// AuditSink is the append-only persistence contract for audit events.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditWarning describes audit events at risk: queued for retry after
// a sink failure, or dropped outright on overflow. Masking itself is
// unaffected; the coordinator should surface the condition to an
// operator.
type AuditWarning struct {
	Pending int
	Dropped int
	LastErr error
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger used for warning conditions.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRecorderBuffer sets the bounded event buffer size.
func WithRecorderBuffer(n int) RecorderOption {
	return func(r *Recorder) { r.buffer = n }
}

// WithRetryLimit caps the in-memory retry queue; events beyond the cap
// are dropped and counted.
func WithRetryLimit(n int) RecorderOption {
	return func(r *Recorder) { r.retryLimit = n }
}

// WithOnWarning registers a callback invoked whenever an event is
// queued for retry or dropped. Called from the recorder's goroutines;
// must not block.
func WithOnWarning(fn func(AuditWarning)) RecorderOption {
	return func(r *Recorder) { r.onWarning = fn }
}

// Recorder buffers audit events and appends them to a sink from a
// single drain goroutine, so row processing never blocks on audit I/O
// beyond the bounded buffer. Sink failures queue the event for retry;
// the masking operation that produced it still succeeds.
type Recorder struct {
	sink       AuditSink
	logger     *slog.Logger
	buffer     int
	retryLimit int
	onWarning  func(AuditWarning)

	events chan AuditEvent
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	retry   []AuditEvent
	dropped int
	lastErr error
}

// NewRecorder starts a Recorder draining into sink. Close must be
// called to flush and stop the drain goroutine.
func NewRecorder(sink AuditSink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:       sink,
		buffer:     1024,
		retryLimit: 4096,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.events = make(chan AuditEvent, r.buffer)
	r.done = make(chan struct{})
	go r.drain()
	return r
}

// Record enqueues an event. It never blocks: when the buffer is full
// the event goes straight to the retry queue, surfacing as a warning.
// An event arriving after Close is counted as dropped rather than
// panicking on the closed buffer.
func (r *Recorder) Record(event AuditEvent) {
	r.mu.Lock()
	if r.closed {
		r.dropped++
		warning := AuditWarning{Pending: len(r.retry), Dropped: r.dropped, LastErr: r.lastErr}
		r.mu.Unlock()
		r.warn(event, warning)
		return
	}
	select {
	case r.events <- event:
		r.mu.Unlock()
		return
	default:
	}
	warning := r.deferLocked(event, nil)
	r.mu.Unlock()
	r.warn(event, warning)
}

// Warnings reports the current audit-loss condition: events pending
// retry, events dropped, and the last sink error seen.
func (r *Recorder) Warnings() AuditWarning {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AuditWarning{Pending: len(r.retry), Dropped: r.dropped, LastErr: r.lastErr}
}

// Close flushes the buffer and the retry queue under the context's
// deadline, then closes the sink. Events that cannot be flushed in
// time are counted as dropped and warned about.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.sink.Close()
	}
	r.closed = true
	r.mu.Unlock()
	close(r.events)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.flushRetry(ctx)

	r.mu.Lock()
	pending := len(r.retry)
	r.dropped += pending
	r.retry = nil
	dropped := r.dropped
	r.mu.Unlock()
	if pending > 0 {
		r.logger.Warn("audit events lost at close", "dropped", dropped)
	}
	return r.sink.Close()
}

func (r *Recorder) drain() {
	defer close(r.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				return
			}
			r.append(event)
		case <-ticker.C:
			r.flushRetry(context.Background())
		}
	}
}

func (r *Recorder) append(event AuditEvent) {
	if err := r.sink.Append(context.Background(), event); err != nil {
		r.queueRetry(event, err)
	}
}

// flushRetry reattempts queued events in order, stopping at the first
// failure to preserve append order.
func (r *Recorder) flushRetry(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.retry) == 0 {
			r.mu.Unlock()
			return
		}
		event := r.retry[0]
		r.mu.Unlock()

		if err := r.sink.Append(ctx, event); err != nil {
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		r.retry = r.retry[1:]
		r.mu.Unlock()
	}
}

func (r *Recorder) queueRetry(event AuditEvent, cause error) {
	r.mu.Lock()
	warning := r.deferLocked(event, cause)
	r.mu.Unlock()
	r.warn(event, warning)
}

// deferLocked moves an undeliverable event to the retry queue, or
// counts it as dropped when the queue is full. Callers hold r.mu.
func (r *Recorder) deferLocked(event AuditEvent, cause error) AuditWarning {
	if cause != nil {
		r.lastErr = cause
	}
	if len(r.retry) >= r.retryLimit {
		r.dropped++
	} else {
		r.retry = append(r.retry, event)
	}
	return AuditWarning{Pending: len(r.retry), Dropped: r.dropped, LastErr: r.lastErr}
}

func (r *Recorder) warn(event AuditEvent, warning AuditWarning) {
	r.logger.Warn("audit event deferred",
		"field", event.Field.Key(), "pending", warning.Pending, "dropped", warning.Dropped)
	if r.onWarning != nil {
		r.onWarning(warning)
	}
}
