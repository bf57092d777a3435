package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/vesselhealth/vessel-control/pkg/domain"
)

// Gate bounds the number of simultaneous in-flight calls for one dependency
// key with a channel semaphore.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate admitting at most max concurrent holders.
func NewGate(max int) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{slots: make(chan struct{}, max)}
}

// Acquire claims a slot, waiting up to wait when the gate is full (wait <= 0
// rejects immediately). The returned release func is idempotent and must be
// deferred so the slot is returned on every exit path.
func (g *Gate) Acquire(ctx context.Context, wait time.Duration) (release func(), err error) {
	select {
	case g.slots <- struct{}{}:
		return g.releaseFunc(), nil
	default:
	}

	if wait <= 0 {
		return nil, domain.ErrConcurrencyLimit
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case g.slots <- struct{}{}:
		return g.releaseFunc(), nil
	case <-timer.C:
		return nil, domain.ErrConcurrencyLimit
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-g.slots })
	}
}

// InFlight returns the number of currently held slots.
func (g *Gate) InFlight() int {
	return len(g.slots)
}

// Capacity returns the maximum number of concurrent holders.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
