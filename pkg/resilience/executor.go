package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

// Options configures the full resilience pipeline for one dependency key.
type Options struct {
	// MaxConcurrent bounds simultaneous in-flight calls.
	MaxConcurrent int
	// AcquireWait is how long a caller waits for a gate slot before the call
	// is rejected. Zero rejects immediately.
	AcquireWait time.Duration
	// Timeout bounds each attempt, not the whole retry sequence.
	Timeout time.Duration
	// MaxRetries is the retry budget after the initial attempt.
	MaxRetries int
	// Breaker overrides the default breaker thresholds.
	Breaker BreakerConfig
	// Retry overrides the default backoff shape. MaxRetries above wins over
	// Retry.MaxRetries.
	Retry RetryConfig
}

// DefaultOptions returns the pipeline defaults applied to unregistered keys.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 32,
		AcquireWait:   100 * time.Millisecond,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		Breaker:       DefaultBreakerConfig(),
		Retry:         DefaultRetryConfig(),
	}
}

type entry struct {
	opts    Options
	gate    *Gate
	breaker *Breaker
	retry   *RetryPolicy
}

// Executor composes the concurrency gate, circuit breaker, per-attempt
// timeout, and retry policy behind one call wrapper. Composition order per
// call: acquire gate → check breaker → attempt under timeout → retry
// decision → record one logical outcome on the breaker.
//
// Counting convention: a logical call that exhausts its retry budget records
// exactly ONE breaker failure, regardless of how many attempts were made.
// The breaker is still consulted before every attempt, so a circuit opened
// by concurrent callers stops a retry loop mid-flight.
type Executor struct {
	mu       sync.RWMutex
	entries  map[Key]*entry
	defaults Options
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewExecutor creates an executor with the given per-key defaults.
func NewExecutor(defaults Options, metrics *telemetry.Metrics, logger zerolog.Logger) *Executor {
	if defaults.MaxConcurrent <= 0 {
		defaults.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultOptions().Timeout
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = 0
	}
	return &Executor{
		entries:  make(map[Key]*entry),
		defaults: defaults,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register configures the pipeline for a dependency key. Zero-valued fields
// inherit the executor defaults. Registering an existing key replaces its
// configuration but resets its breaker and gate state.
func (e *Executor) Register(key Key, opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[key] = e.newEntryLocked(key, opts)
}

func (e *Executor) newEntryLocked(key Key, opts Options) *entry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = e.defaults.MaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaults.Timeout
	}
	if opts.AcquireWait < 0 {
		opts.AcquireWait = 0
	}
	if opts.Breaker == (BreakerConfig{}) {
		opts.Breaker = e.defaults.Breaker
	}
	retryCfg := opts.Retry
	retryCfg.MaxRetries = opts.MaxRetries

	breaker := NewBreaker(opts.Breaker)
	breaker.onTransition = func(from, to State) {
		e.metrics.RecordBreakerTransition(key.Service, key.Operation, string(to))
		e.logger.Warn().
			Str("service", key.Service).
			Str("operation", key.Operation).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("circuit breaker state change")
	}

	return &entry{
		opts:    opts,
		gate:    NewGate(opts.MaxConcurrent),
		breaker: breaker,
		retry:   NewRetryPolicy(retryCfg),
	}
}

func (e *Executor) entry(key Key) *entry {
	e.mu.RLock()
	ent, ok := e.entries[key]
	e.mu.RUnlock()
	if ok {
		return ent
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[key]; ok {
		return ent
	}
	ent = e.newEntryLocked(key, e.defaults)
	e.entries[key] = ent
	return ent
}

// Execute runs fn under the full pipeline for key.
func (e *Executor) Execute(ctx context.Context, key Key, fn func(context.Context) error) error {
	ent := e.entry(key)

	release, err := ent.gate.Acquire(ctx, ent.opts.AcquireWait)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyLimit) {
			e.metrics.RecordGateRejection(key.Service, key.Operation)
			return domain.NewControlError(domain.ErrConcurrencyLimit, domain.CodeConcurrencyLimit,
				fmt.Sprintf("%s: too many in-flight calls", key))
		}
		return err
	}
	defer release()

	var lastErr error
	for attempt := 0; ; attempt++ {
		trial, allowErr := ent.breaker.Allow()
		if allowErr != nil {
			if lastErr != nil {
				// The circuit opened between attempts; stop retrying and
				// surface the call error.
				return fmt.Errorf("%s: %w", key, lastErr)
			}
			return domain.NewControlError(domain.ErrCircuitOpen, domain.CodeCircuitOpen,
				fmt.Sprintf("%s: circuit open", key))
		}

		callErr := e.attempt(ctx, ent.opts.Timeout, fn)
		if callErr == nil {
			ent.breaker.RecordSuccess()
			return nil
		}
		lastErr = callErr

		if trial {
			// The single half-open probe failed: reopen immediately, no
			// retries inside the trial.
			ent.breaker.RecordFailure()
			return fmt.Errorf("%s: %w", key, lastErr)
		}
		if errors.Is(callErr, context.Canceled) {
			// The caller walked away; not a dependency failure.
			return callErr
		}
		if !ent.retry.ShouldRetry(callErr, attempt) {
			break
		}

		e.metrics.RecordRetry(key.Service, key.Operation)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ent.retry.CalculateBackoff(attempt)):
		}
	}

	// One logical call, one breaker failure, however many attempts ran.
	ent.breaker.RecordFailure()
	return fmt.Errorf("%s: %w", key, lastErr)
}

// attempt races fn against the per-attempt deadline. When the deadline
// expires the attempt is abandoned (cancellation of the underlying work is
// best effort through the derived context) and the caller proceeds as if it
// failed.
func (e *Executor) attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return safeCall(ctx, fn)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(actx, fn) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
	}
}

// safeCall converts a panic inside a protected call into an error, so it is
// recorded against the breaker and surfaced to the caller instead of
// unwinding a goroutine the caller never joins. Without this, a panicking
// handler kills the process and a panic during the half-open trial would
// leave the trial slot held forever.
func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protected call panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Wrap returns fn bound to the pipeline for key.
func (e *Executor) Wrap(key Key, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return e.Execute(ctx, key, fn)
	}
}

// Keys lists every dependency key known to the executor, sorted for stable
// health output.
func (e *Executor) Keys() []Key {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]Key, 0, len(e.entries))
	for key := range e.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Service != keys[j].Service {
			return keys[i].Service < keys[j].Service
		}
		return keys[i].Operation < keys[j].Operation
	})
	return keys
}

// Stats returns breaker snapshots for every registered key.
func (e *Executor) Stats() map[string]BreakerStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(e.entries))
	for key, ent := range e.entries {
		stats[key.String()] = ent.breaker.Snapshot()
	}
	return stats
}

// Handler wraps an HTTP handler in the pipeline for key. Retries are forced
// off because a handler is not safely re-runnable; a 5xx from the handler
// still counts against the breaker.
//
// The inner handler writes through a buffered surrogate writer, in the
// manner of http.TimeoutHandler: a timed-out attempt is cut off from the
// underlying ResponseWriter before the error body is written, so an
// abandoned handler goroutine can never race it. An explicit Flush delivers
// what is buffered and switches the surrogate to streaming writes, which
// keeps proxied SSE responses flowing.
func (e *Executor) Handler(key Key, opts Options, next http.Handler) http.Handler {
	opts.MaxRetries = 0
	e.Register(key, opts)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw := newHandlerWriter(w)
		err := e.Execute(r.Context(), key, func(ctx context.Context) error {
			next.ServeHTTP(hw, r.WithContext(ctx))
			status, delivered := hw.complete()
			if delivered && status >= http.StatusInternalServerError {
				return &HTTPError{StatusCode: status}
			}
			return nil
		})
		if err == nil {
			return
		}
		if sent := hw.abandon(); !sent {
			domain.WriteErrorFrom(w, err, domain.RequestIDFromContext(r.Context()))
		}
	})
}

// handlerWriter buffers a wrapped handler's response so the executor can
// abandon a timed-out attempt without the handler goroutine and the error
// path contending for the underlying ResponseWriter. All access to the
// destination writer happens under the mutex; once abandoned, the handler
// goroutine never touches it again.
type handlerWriter struct {
	mu        sync.Mutex
	dst       http.ResponseWriter
	header    http.Header
	buf       bytes.Buffer
	status    int
	flushed   bool
	abandoned bool
}

func newHandlerWriter(dst http.ResponseWriter) *handlerWriter {
	return &handlerWriter{dst: dst, header: make(http.Header)}
}

// Header returns the handler's own header map, copied to the destination
// only when the response is delivered.
func (w *handlerWriter) Header() http.Header {
	return w.header
}

func (w *handlerWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = status
	}
}

func (w *handlerWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.abandoned {
		return 0, http.ErrHandlerTimeout
	}
	if w.flushed {
		return w.dst.Write(b)
	}
	return w.buf.Write(b)
}

// Flush delivers the buffered response and switches to streaming mode.
func (w *handlerWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return
	}
	w.deliverLocked()
	if f, ok := w.dst.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *handlerWriter) deliverLocked() {
	if !w.flushed {
		dh := w.dst.Header()
		for k, vv := range w.header {
			dh[k] = vv
		}
		status := w.status
		if status == 0 {
			status = http.StatusOK
		}
		w.dst.WriteHeader(status)
		w.flushed = true
	}
	if w.buf.Len() > 0 {
		_, _ = w.dst.Write(w.buf.Bytes())
		w.buf.Reset()
	}
}

// complete is called on the attempt goroutine after the handler returns. It
// delivers the buffered response unless the attempt was already abandoned,
// and reports the handler's status code.
func (w *handlerWriter) complete() (status int, delivered bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	status = w.status
	if status == 0 {
		status = http.StatusOK
	}
	if w.abandoned {
		return status, false
	}
	w.deliverLocked()
	return status, true
}

// abandon cuts the handler goroutine off from the destination writer and
// reports whether any bytes already reached the client. The mutex hand-off
// orders a concurrent delivery strictly before the caller's error write.
func (w *handlerWriter) abandon() (sent bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = true
	return w.flushed
}
