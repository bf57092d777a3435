// Package resilience coordinates runtime safety controls for outbound
// dependency calls: per-dependency circuit breaking, bounded retries with
// backoff, per-attempt timeouts, and concurrency gating, composed behind a
// single Executor facade.
//
// All state is tracked per Key (service, operation) and is process-local.
// Rate limiting and feature flags share state across instances through the
// counter store; breaker and gate state deliberately do not, trading
// cross-instance consistency for zero added latency on the hot path.
package resilience
