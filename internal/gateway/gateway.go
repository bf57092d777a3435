// Package gateway assembles the control-plane middleware stack into the HTTP
// server fronting a fleet service: security filtering, rate limiting, flag
// gates, and resilience-wrapped upstream proxying, plus the operational
// endpoints.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vesselhealth/vessel-control/pkg/config"
	"github.com/vesselhealth/vessel-control/pkg/flags"
	"github.com/vesselhealth/vessel-control/pkg/ratelimit"
	"github.com/vesselhealth/vessel-control/pkg/resilience"
	"github.com/vesselhealth/vessel-control/pkg/security"
	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

// Deps are the wired control-plane components the gateway serves.
type Deps struct {
	Store    store.CounterStore
	Executor *resilience.Executor
	Limiter  *ratelimit.Limiter
	Flags    *flags.Engine
	Filter   *security.Filter
	Metrics  *telemetry.Metrics
	Registry *prometheus.Registry
	Logger   zerolog.Logger
}

// Gateway is the assembled HTTP front.
type Gateway struct {
	cfg    config.Config
	deps   Deps
	logger zerolog.Logger
	server *http.Server
}

// New builds the gateway. Upstream URLs must parse; a bad one is a
// deployment error surfaced at startup, not at request time.
func New(cfg config.Config, deps Deps) (*Gateway, error) {
	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "gateway").Logger(),
	}

	handler, err := g.buildHandler()
	if err != nil {
		return nil, err
	}

	g.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled() {
		tlsCfg, err := g.tlsConfig(cfg.Server.TLS)
		if err != nil {
			return nil, err
		}
		g.server.TLSConfig = tlsCfg
	}
	return g, nil
}

func (g *Gateway) buildHandler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)
	mux.Handle("GET /metrics", telemetry.Handler(g.deps.Registry))
	mux.Handle("/admin/", g.deps.Flags.AdminHandler())

	for _, up := range g.cfg.Upstreams {
		handler, err := g.upstreamHandler(up)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimSuffix(up.Prefix, "/")
		mux.Handle(prefix, handler)
		mux.Handle(prefix+"/", handler)
	}

	return Chain(mux,
		RequestID(),
		AccessLog(g.logger),
		security.Headers(g.cfg.Security.Headers, g.deps.Metrics),
		g.deps.Filter.Middleware,
		g.deps.Limiter.Middleware,
	), nil
}

// upstreamHandler mounts one proxied backend behind the resilience executor
// and, when configured, a feature flag gate.
func (g *Gateway) upstreamHandler(up config.UpstreamConfig) (http.Handler, error) {
	target, err := url.Parse(up.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway: upstream %s url: %w", up.Name, err)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.Warn().Err(err).Str("upstream", up.Name).Msg("upstream proxy error")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	opts := resilience.Options{
		MaxConcurrent: up.MaxConcurrent,
		Timeout:       up.Timeout,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: g.cfg.Resilience.FailureThreshold,
			Cooldown:         g.cfg.Resilience.Cooldown,
		},
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = g.cfg.Resilience.MaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = g.cfg.Resilience.Timeout
	}

	key := resilience.Key{Service: up.Name, Operation: "proxy"}
	var handler http.Handler = g.deps.Executor.Handler(key, opts, proxy)
	if up.Flag != "" {
		handler = g.deps.Flags.Require(up.Flag)(handler)
	}
	return handler, nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := g.deps.Executor.Health()

	status := http.StatusOK
	if report.Status == resilience.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  report.Status,
		"service": g.cfg.Service.Name,
		"version": g.cfg.Service.Version,
		"checks":  report.Checks,
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{}
	ready := true

	if err := g.deps.Store.Ping(r.Context()); err != nil {
		deps["counter_store"] = "not ready"
		ready = false
	} else {
		deps["counter_store"] = "ready"
	}

	// An open circuit means the dependency behind it is down; degraded still
	// counts as ready so a wobbling upstream does not pull us out of rotation.
	for _, check := range g.deps.Executor.Health().Checks {
		name := check.Service + "." + check.Operation
		if check.Status == resilience.StatusUnhealthy {
			deps[name] = "not ready"
			ready = false
		} else {
			deps[name] = "ready"
		}
	}

	status := http.StatusOK
	verdict := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		verdict = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status":       verdict,
		"dependencies": deps,
	})
}

// tlsConfig builds the listener TLS settings. With a client CA configured,
// client certificates are verified by hand inside VerifyConnection so both
// accepted and rejected handshakes show up in the metrics.
func (g *Gateway) tlsConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.ClientCAFile == "" {
		return tlsCfg, nil
	}

	pem, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("gateway: client ca %s holds no certificates", cfg.ClientCAFile)
	}

	tlsCfg.ClientAuth = tls.RequireAnyClientCert
	if !cfg.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequestClientCert
	}
	tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			if cfg.RequireClientCert {
				g.deps.Metrics.RecordMTLSConnection("rejected")
				return fmt.Errorf("gateway: client certificate required")
			}
			return nil
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			g.deps.Metrics.RecordMTLSConnection("rejected")
			return fmt.Errorf("gateway: client certificate rejected: %w", err)
		}
		g.deps.Metrics.RecordMTLSConnection("accepted")
		return nil
	}
	return tlsCfg, nil
}

// Handler exposes the assembled handler, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (g *Gateway) Start() error {
	g.logger.Info().Str("addr", g.server.Addr).
		Bool("tls", g.cfg.Server.TLS.Enabled()).Msg("gateway listening")
	var err error
	if g.cfg.Server.TLS.Enabled() {
		err = g.server.ListenAndServeTLS(g.cfg.Server.TLS.CertFile, g.cfg.Server.TLS.KeyFile)
	} else {
		err = g.server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
