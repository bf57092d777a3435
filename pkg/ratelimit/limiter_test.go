package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselhealth/vessel-control/pkg/store"
)

func newTestLimiter(t *testing.T, rules ...Rule) *Limiter {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAll(rules))
	l := New(store.NewMemoryStore(), reg, nil, zerolog.Nop())
	// Pin the clock mid-bucket so tests never straddle a window boundary.
	at := time.Date(2026, 8, 29, 10, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return at }
	return l
}

func TestCheckAllowsUpToMinuteCeiling(t *testing.T) {
	l := newTestLimiter(t, Rule{Pattern: "/api/v1/appointments/*", PerMinute: 3, PerHour: 100})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, "user:alice", "/api/v1/appointments/book")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted", i)
		assert.Equal(t, int64(i), res.MinuteCount)
	}

	res, err := l.Check(ctx, "user:alice", "/api/v1/appointments/book")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.MinuteCount)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestCheckIsolatesClients(t *testing.T) {
	l := newTestLimiter(t, Rule{Pattern: "/api/v1/messages", PerMinute: 1})

	ctx := context.Background()
	res, err := l.Check(ctx, "user:alice", "/api/v1/messages")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "user:alice", "/api/v1/messages")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Check(ctx, "user:bob", "/api/v1/messages")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a saturated client must not affect others")
}

func TestCheckUnmatchedRouteAlwaysAllowed(t *testing.T) {
	l := newTestLimiter(t, Rule{Pattern: "/api/v1/records/*", PerMinute: 1})

	for i := 0; i < 10; i++ {
		res, err := l.Check(context.Background(), "user:alice", "/health")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	l := newTestLimiter(t, Rule{Pattern: "/api/v1/reasoning", PerMinute: 1})

	base := time.Date(2026, 8, 29, 10, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	res, err := l.Check(ctx, "user:alice", "/api/v1/reasoning")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "user:alice", "/api/v1/reasoning")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Next minute bucket starts a fresh count.
	base = base.Add(time.Minute)
	res, err = l.Check(ctx, "user:alice", "/api/v1/reasoning")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.MinuteCount)
}

func TestCheckHourCeilingBindsIndependently(t *testing.T) {
	l := newTestLimiter(t, Rule{Pattern: "/api/v1/nutrition", PerMinute: 100, PerHour: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "user:alice", "/api/v1/nutrition")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, "user:alice", "/api/v1/nutrition")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.HourCount)
	assert.Equal(t, int64(3), res.MinuteCount)
}

func TestMatchPrefersLongestPattern(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAll([]Rule{
		{Pattern: "/api/v1/*", PerMinute: 100},
		{Pattern: "/api/v1/reasoning/*", PerMinute: 5},
	}))

	rule, ok := reg.Match("/api/v1/reasoning/chat")
	require.True(t, ok)
	assert.Equal(t, 5, rule.PerMinute)

	rule, ok = reg.Match("/api/v1/records")
	require.True(t, ok)
	assert.Equal(t, 100, rule.PerMinute)

	_, ok = reg.Match("/metrics")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalidRules(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Rule{Pattern: "", PerMinute: 1}))
	assert.Error(t, reg.Register(Rule{Pattern: "/api/v1/x"}))
}

// errorStore fails every counter operation, forcing the degraded path.
type errorStore struct{ store.CounterStore }

func (errorStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCheckFallsBackWhenStoreDown(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Rule{Pattern: "/api/v1/scheduling", PerMinute: 5}))
	l := New(errorStore{}, reg, nil, zerolog.Nop())

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 20; i++ {
		res, err := l.Check(ctx, "user:alice", "/api/v1/scheduling")
		require.NoError(t, err)
		assert.True(t, res.Fallback)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "local bucket should admit exactly the burst")
}
