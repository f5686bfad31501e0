// Package store provides the shared key-value primitives used for result
// caching, quota counters, circuit breaker state and stampede locks.
//
// Every implementation must offer atomic increment-with-expiry,
// set-if-not-exists with expiry and compare-and-swap, so that all process
// instances observe a single logical counter, lock or breaker per key.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is missing or has expired
	ErrNotFound = errors.New("key not found")

	// ErrLocked is returned when a lock is already held by someone else
	ErrLocked = errors.New("lock is held by another request")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("store unavailable")
)

// Store defines the shared key-value operations
type Store interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores the value only if the key does not exist
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if it currently equals old.
	// A nil old means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes the key only if it currently holds value
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Incr atomically increments a counter. The TTL is applied only when
	// this increment created the key; later increments keep the expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining time to live. Zero means no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
