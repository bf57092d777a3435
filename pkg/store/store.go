// Package store provides the shared counter store used for cross-instance
// state: rate-limit window counters, security-violation counters, and the
// feature-flag cache. Every operation is self-contained (a single pipelined
// round trip) and idempotent-safe to retry.
package store

import (
	"context"
	"time"
)

// CounterStore is the contract the control plane needs from the shared
// key/value store. Implementations must make IncrWithTTL atomic so
// concurrent increments from the same client never under-count.
type CounterStore interface {
	// IncrWithTTL atomically increments key and applies ttl when the
	// increment created the key. Returns the post-increment count.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value under key with the given ttl. A ttl of zero
	// stores the value without expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
