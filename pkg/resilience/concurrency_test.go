package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselhealth/vessel-control/pkg/domain"
)

func TestGateNeverExceedsCapacity(t *testing.T) {
	const max = 4
	const callers = 50

	g := NewGate(max)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), time.Second)
			require.NoError(t, err)
			defer release()

			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.Equal(t, 0, g.InFlight())
}

func TestGateRejectsWhenFull(t *testing.T) {
	g := NewGate(1)

	release, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)

	_, err = g.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrConcurrencyLimit)

	_, err = g.Acquire(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrConcurrencyLimit)

	release()
	release2, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)
	release2()
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	g := NewGate(2)

	release, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)

	release()
	release()

	assert.Equal(t, 0, g.InFlight())
}

func TestGateAcquireHonorsContext(t *testing.T) {
	g := NewGate(1)

	release, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err = g.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
