package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselhealth/vessel-control/pkg/config"
	"github.com/vesselhealth/vessel-control/pkg/domain"
	"github.com/vesselhealth/vessel-control/pkg/flags"
	"github.com/vesselhealth/vessel-control/pkg/ratelimit"
	"github.com/vesselhealth/vessel-control/pkg/resilience"
	"github.com/vesselhealth/vessel-control/pkg/security"
	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

func newTestGateway(t *testing.T, cfg config.Config) (*Gateway, Deps) {
	t.Helper()

	if cfg.Server.Addr == "" {
		base, err := config.Load("")
		require.NoError(t, err)
		base.Upstreams = cfg.Upstreams
		base.RateLimits = cfg.RateLimits
		base.Security = cfg.Security
		cfg = base
	}

	st := store.NewMemoryStore()
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	logger := zerolog.Nop()

	reg := ratelimit.NewRegistry()
	require.NoError(t, reg.RegisterAll(cfg.RateLimits))

	deps := Deps{
		Store:    st,
		Executor: resilience.NewExecutor(resilience.DefaultOptions(), metrics, logger),
		Limiter:  ratelimit.New(st, reg, metrics, logger),
		Flags:    flags.NewEngine(st, flags.Config{CacheTTL: time.Nanosecond}, metrics, logger),
		Filter:   security.NewFilter(cfg.Security.Filter, st, metrics, logger),
		Metrics:  metrics,
		Registry: registry,
		Logger:   logger,
	}
	g, err := New(cfg, deps)
	require.NoError(t, err)
	return g, deps
}

func TestHealthEndpoint(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "vessel-control", body["service"])
}

func TestReadyEndpoint(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ready", body.Dependencies["counter_store"])
}

func TestReadyReportsOpenCircuitDependency(t *testing.T) {
	g, deps := newTestGateway(t, config.Config{})

	key := resilience.Key{Service: "records", Operation: "proxy"}
	deps.Executor.Register(key, resilience.Options{
		MaxRetries: 0,
		Breaker:    resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	_ = deps.Executor.Execute(context.Background(), key, func(context.Context) error {
		return errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "not ready", body.Dependencies["records.proxy"])
	// The store itself is still fine.
	assert.Equal(t, "ready", body.Dependencies["counter_store"])
}

func TestMetricsEndpoint(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEveryResponseCarriesSecurityHeadersAndRequestID(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDFromEdgeIsKept(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "edge-id-123")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "edge-id-123", rec.Header().Get("X-Request-ID"))
}

func TestProxyRoutesToUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"appointments":[]}`))
	}))
	defer backend.Close()

	g, _ := newTestGateway(t, config.Config{
		Upstreams: []config.UpstreamConfig{
			{Name: "scheduling", Prefix: "/api/v1/appointments", URL: backend.URL},
		},
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"appointments":[]}`, rec.Body.String())
}

func TestFlagGatedUpstreamReturns404WhenDark(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	g, deps := newTestGateway(t, config.Config{
		Upstreams: []config.UpstreamConfig{
			{Name: "reasoning", Prefix: "/api/v1/reasoning", URL: backend.URL, Flag: "reasoning-v2"},
		},
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reasoning", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeFeatureDisabled, body.Code)

	// Flip the flag on through a second engine sharing the store.
	other := flags.NewEngine(deps.Store, flags.Config{}, nil, zerolog.Nop())
	_, err := other.Create(context.Background(),
		flags.Flag{Name: "reasoning-v2", Enabled: true, DefaultValue: true})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reasoning", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitAppliedEndToEnd(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{
		RateLimits: []ratelimit.Rule{{Pattern: "/health", PerMinute: 2}},
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.2.3:555"
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestSecurityFilterRunsBeforeProxy(t *testing.T) {
	backendHits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
	}))
	defer backend.Close()

	g, _ := newTestGateway(t, config.Config{
		Upstreams: []config.UpstreamConfig{
			{Name: "records", Prefix: "/api/v1/records", URL: backend.URL},
		},
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/records?q=UNION+SELECT", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, backendHits)
}

func TestAdminFlagSurfaceMounted(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/flags", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Count)
}

func TestShutdownCompletes(t *testing.T) {
	g, _ := newTestGateway(t, config.Config{})
	require.NoError(t, g.Shutdown(context.Background()))
}
