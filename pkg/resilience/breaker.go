package resilience

import (
	"sync"
	"time"

	"github.com/vesselhealth/vessel-control/pkg/domain"
)

// Key identifies a protected dependency call. Breaker and gate state is
// never shared across keys.
type Key struct {
	Service   string
	Operation string
}

func (k Key) String() string {
	return k.Service + "." + k.Operation
}

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates the circuit is closed and calls flow normally.
	StateClosed State = "closed"
	// StateOpen indicates the circuit is open and calls fail fast.
	StateOpen State = "open"
	// StateHalfOpen indicates the breaker is probing with a single trial call.
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a trial.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is the failure-tracking state machine for one dependency key.
//
// Transitions: CLOSED→OPEN when consecutive failures reach the threshold;
// OPEN→HALF_OPEN once the cooldown elapses, admitting exactly one trial
// call; HALF_OPEN→CLOSED on trial success; HALF_OPEN→OPEN on trial failure,
// restarting the cooldown. All transitions are linearized by a per-breaker
// mutex so concurrent callers observe a consistent machine.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool

	// now is swappable in tests.
	now func() time.Time
	// onTransition, when set, observes every state change.
	onTransition func(from, to State)
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. The returned trial flag is true
// when this caller holds the single half-open probe slot; the caller must
// follow up with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.transitionLocked(StateHalfOpen)
			b.trialInFlight = true
			return true, nil
		}
		return false, domain.ErrCircuitOpen
	case StateHalfOpen:
		if b.trialInFlight {
			return false, domain.ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure counts one failure, opening the circuit at the threshold or
// reopening it after a failed half-open trial.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}

	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns current breaker statistics.
func (b *Breaker) Snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:            b.state,
		Failures:         b.failures,
		FailureThreshold: b.cfg.FailureThreshold,
		LastFailure:      b.lastFailure,
	}
}
