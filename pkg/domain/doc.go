// Package domain defines the error taxonomy and shared response models for
// the control-plane layer.
//
// This package contains pure domain logic with ZERO external dependencies
// outside the Go standard library. Every guard in the request path (circuit
// breaker, rate limiter, security filter, flag gate) maps its failures onto
// one of the sentinel errors here, so callers always receive a structured
// JSON body with a stable machine-readable code and no raw stack trace ever
// crosses a service boundary.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
