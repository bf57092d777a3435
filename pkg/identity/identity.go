// Package identity resolves the caller identity used for rate-limit
// fairness, security-violation accounting, and feature-flag targeting.
// Authentication itself happens upstream; an authenticated identity is
// attached to the request context by whatever auth layer fronts the service.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identity describes the authenticated caller, when one exists.
type Identity struct {
	UserID string
	Email  string
}

type contextKey struct{}

// WithIdentity attaches an authenticated identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity set by the auth layer, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// ClientID returns the fairness key for a request: the authenticated user id
// when present, otherwise a hash of the originating IP. Hashing keeps raw
// addresses out of store keys and log lines.
func ClientID(r *http.Request) string {
	if id, ok := FromContext(r.Context()); ok {
		return "user:" + id.UserID
	}
	return "ip:" + hashAddr(clientAddr(r))
}

func clientAddr(r *http.Request) string {
	// First hop of X-Forwarded-For when present; the trust boundary for the
	// header sits at the edge proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hashAddr(addr string) string {
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:8])
}
