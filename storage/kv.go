// Package storage defines the key/value primitives the settlement service
// relies on and provides Redis-backed and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// KV is the minimal store surface used by the offer engine: plain values
// with optional TTLs, conditional writes for locks and claims, append-only
// lists for transaction logs, counters for rate limiting, and key scans for
// reconciliation.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX writes value only if key is absent and reports whether the
	// write happened. A non-zero ttl bounds the key's lifetime.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer at key and returns the new
	// value, creating the key at 1 if absent.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// ListAppend pushes values onto the tail of the list at key.
	ListAppend(ctx context.Context, key string, values ...[]byte) error
	// ListRange returns list elements between start and stop inclusive,
	// with negative indexes counting from the tail.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Scan returns all keys matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
