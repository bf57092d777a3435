package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool

	// Counts observed in the current fixed windows, including this request.
	MinuteCount int64
	HourCount   int64
	DayCount    int64

	// Limit and Remaining describe the tightest configured window, for
	// response headers. Reset is when that window rolls over.
	Limit     int
	Remaining int64
	Reset     time.Time

	// RetryAfter is how long the client should wait, set when denied.
	RetryAfter time.Duration

	// Fallback is true when the counter store was unreachable and the
	// decision came from the local token-bucket limiter.
	Fallback bool
}

type windowSpec struct {
	name   string
	length time.Duration
	limit  int
}

// Limiter enforces registered route rules against a shared counter store.
// Windows are fixed: a request lands in the bucket containing its arrival
// time, and bucket keys carry a TTL of one window length so they expire on
// their own.
type Limiter struct {
	store    store.CounterStore
	rules    *Registry
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	fallback *localLimiter

	now func() time.Time
}

// New creates a limiter over the given store and rule registry.
func New(st store.CounterStore, rules *Registry, metrics *telemetry.Metrics, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:    st,
		rules:    rules,
		metrics:  metrics,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		fallback: newLocalLimiter(),
		now:      time.Now,
	}
}

// Check records one request for clientID against route and reports whether
// it is admitted. Routes with no matching rule are always admitted. Store
// failures degrade to a process-local limiter rather than failing closed.
func (l *Limiter) Check(ctx context.Context, clientID, route string) (Result, error) {
	rule, ok := l.rules.Match(route)
	if !ok {
		return Result{Allowed: true}, nil
	}

	now := l.now()
	specs := windowsFor(rule)

	res := Result{Allowed: true}
	for _, spec := range specs {
		bucket := now.Truncate(spec.length)
		key := fmt.Sprintf("ratelimit:%s:%s:%s:%d", clientID, rule.Pattern, spec.name, bucket.Unix())

		count, err := l.store.IncrWithTTL(ctx, key, spec.length)
		if err != nil {
			allowed := l.fallback.allow(clientID, rule)
			l.logger.Warn().Err(err).Str("client", clientID).Str("route", route).
				Bool("allowed", allowed).Msg("counter store unavailable, using local limiter")
			l.metrics.RecordRateLimitDecision(rule.Pattern, allowed)
			return Result{Allowed: allowed, Fallback: true, Limit: specs[0].limit}, nil
		}

		switch spec.name {
		case "minute":
			res.MinuteCount = count
		case "hour":
			res.HourCount = count
		case "day":
			res.DayCount = count
		}

		reset := bucket.Add(spec.length)
		if count > int64(spec.limit) {
			res.Allowed = false
			if wait := reset.Sub(now); res.RetryAfter == 0 || wait < res.RetryAfter {
				res.RetryAfter = wait
			}
		}

		// Header fields track the tightest window, which comes first.
		if spec == specs[0] {
			res.Limit = spec.limit
			res.Remaining = max(0, int64(spec.limit)-count)
			res.Reset = reset
		}
	}

	l.metrics.RecordRateLimitDecision(rule.Pattern, res.Allowed)
	if !res.Allowed {
		l.logger.Debug().Str("client", clientID).Str("route", route).
			Int64("minute_count", res.MinuteCount).Int64("hour_count", res.HourCount).
			Msg("rate limit exceeded")
	}
	return res, nil
}

func windowsFor(rule Rule) []windowSpec {
	var specs []windowSpec
	if rule.PerMinute > 0 {
		specs = append(specs, windowSpec{"minute", time.Minute, rule.PerMinute})
	}
	if rule.PerHour > 0 {
		specs = append(specs, windowSpec{"hour", time.Hour, rule.PerHour})
	}
	if rule.PerDay > 0 {
		specs = append(specs, windowSpec{"day", 24 * time.Hour, rule.PerDay})
	}
	return specs
}

// localLimiter is the degraded-mode admission path: per-client token buckets
// sized from the rule's minute ceiling, so an outage of the shared store
// does not turn into an open door.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (f *localLimiter) allow(clientID string, rule Rule) bool {
	perMinute := rule.PerMinute
	if perMinute <= 0 {
		perMinute = rule.PerHour / 60
	}
	if perMinute <= 0 {
		perMinute = 1
	}

	key := clientID + ":" + rule.Pattern
	f.mu.Lock()
	lim, ok := f.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
		f.buckets[key] = lim
	}
	f.mu.Unlock()
	return lim.Allow()
}
