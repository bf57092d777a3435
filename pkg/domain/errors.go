package domain

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors for the control-plane taxonomy. Guards wrap these with
// ControlError; callers test with errors.Is.
var (
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrTimeout            = errors.New("request timeout exceeded")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrConcurrencyLimit   = errors.New("concurrency limit reached")
	ErrSecurityViolation  = errors.New("security violation detected")
	ErrFeatureUnavailable = errors.New("feature unavailable")
	ErrStoreUnavailable   = errors.New("counter store unavailable")
)

// Stable machine-readable error codes surfaced in ErrorResponse bodies.
const (
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeConcurrencyLimit  = "CONCURRENCY_EXHAUSTED"
	CodeSecurityViolation = "SECURITY_VIOLATION"
	CodeSecurityThrottled = "SECURITY_THROTTLED"
	CodeFeatureDisabled   = "FEATURE_DISABLED"
	CodeInternal          = "INTERNAL"
)

// ControlError wraps a sentinel error with a stable code and a message that
// is safe to return to callers.
type ControlError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *ControlError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// NewControlError builds a ControlError around a sentinel.
func NewControlError(err error, code, message string) *ControlError {
	return &ControlError{Err: err, Code: code, Message: message}
}

// HTTPStatus maps a control-plane error to the status code surfaced to
// callers. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConcurrencyLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSecurityViolation):
		return http.StatusBadRequest
	case errors.Is(err, ErrFeatureUnavailable):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the stable code for an error, preferring an explicit
// ControlError code over the sentinel mapping.
func ErrorCode(err error) string {
	var ce *ControlError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrTimeout):
		return CodeUpstreamTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrConcurrencyLimit):
		return CodeConcurrencyLimit
	case errors.Is(err, ErrSecurityViolation):
		return CodeSecurityViolation
	case errors.Is(err, ErrFeatureUnavailable):
		return CodeFeatureDisabled
	default:
		return CodeInternal
	}
}

// ErrorResponse defines the standard JSON error model returned by every
// control-plane guard. It intentionally avoids exposing internals while
// providing a stable machine-readable code.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes an ErrorResponse with the given status code.
func WriteError(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteErrorFrom maps err onto the taxonomy and writes the response body.
func WriteErrorFrom(w http.ResponseWriter, err error, requestID string) {
	resp := ErrorResponse{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		RequestID: requestID,
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		resp.Details = ce.Details
	}
	WriteError(w, HTTPStatus(err), resp)
}
