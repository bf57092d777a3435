// Package telemetry exposes the Prometheus collectors for the control-plane
// layer. The registry is injected through the constructor rather than held in
// a package-level singleton, so tests get isolated registries and there is no
// duplicate-registration guard anywhere.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every control-plane collector. A nil *Metrics is valid and
// records nothing, which keeps component constructors usable in tests that
// do not care about instrumentation.
type Metrics struct {
	securityViolations *prometheus.CounterVec
	mtlsConnections    *prometheus.CounterVec
	headerLatency      prometheus.Histogram

	breakerTransitions *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec
	gateRejections     *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	flagEvaluations    *prometheus.CounterVec
}

// New registers all control-plane collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		securityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_security_violations_total",
				Help: "Security filter violations by violation type and endpoint",
			},
			[]string{"type", "endpoint"},
		),
		mtlsConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_mtls_connections_total",
				Help: "mTLS connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		headerLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "control_security_header_duration_seconds",
				Help:    "Time spent applying response security headers",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_breaker_transitions_total",
				Help: "Circuit breaker state transitions by dependency and new state",
			},
			[]string{"service", "operation", "state"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_retry_attempts_total",
				Help: "Retry attempts performed by the resilience executor",
			},
			[]string{"service", "operation"},
		),
		gateRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_concurrency_rejections_total",
				Help: "Calls rejected because a concurrency gate was exhausted",
			},
			[]string{"service", "operation"},
		),
		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_rate_limit_decisions_total",
				Help: "Rate limiter admission decisions by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		flagEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "control_flag_evaluations_total",
				Help: "Feature flag evaluations by flag and result",
			},
			[]string{"flag", "result"},
		),
	}

	reg.MustRegister(
		m.securityViolations,
		m.mtlsConnections,
		m.headerLatency,
		m.breakerTransitions,
		m.retryAttempts,
		m.gateRejections,
		m.rateLimitDecisions,
		m.flagEvaluations,
	)
	return m
}

// Handler returns the scrape handler for a registry created by the caller.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordSecurityViolation counts one violation for the given type/endpoint.
func (m *Metrics) RecordSecurityViolation(violationType, endpoint string) {
	if m == nil {
		return
	}
	m.securityViolations.WithLabelValues(violationType, endpoint).Inc()
}

// RecordMTLSConnection counts a client TLS connection attempt.
func (m *Metrics) RecordMTLSConnection(outcome string) {
	if m == nil {
		return
	}
	m.mtlsConnections.WithLabelValues(outcome).Inc()
}

// ObserveHeaderLatency records time spent stamping security headers.
func (m *Metrics) ObserveHeaderLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.headerLatency.Observe(d.Seconds())
}

// RecordBreakerTransition counts a state change for one dependency.
func (m *Metrics) RecordBreakerTransition(service, operation, state string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(service, operation, state).Inc()
}

// RecordRetry counts one retry attempt for a dependency.
func (m *Metrics) RecordRetry(service, operation string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(service, operation).Inc()
}

// RecordGateRejection counts a concurrency gate rejection.
func (m *Metrics) RecordGateRejection(service, operation string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(service, operation).Inc()
}

// RecordRateLimitDecision counts an admission decision for a route.
func (m *Metrics) RecordRateLimitDecision(route string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.rateLimitDecisions.WithLabelValues(route, outcome).Inc()
}

// RecordFlagEvaluation counts a feature flag decision.
func (m *Metrics) RecordFlagEvaluation(flag string, enabled bool) {
	if m == nil {
		return
	}
	result := "enabled"
	if !enabled {
		result = "disabled"
	}
	m.flagEvaluations.WithLabelValues(flag, result).Inc()
}
