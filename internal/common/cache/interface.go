package cache

import (
	"context"
	"time"
)

// Cache is the slice of Redis the judge depends on.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key returns "" and no error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value; zero ttl means no expiry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes keys
	Del(ctx context.Context, keys ...string) error

	// Exists counts the keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// LockOps defines owner-checked distributed locks.
// The token identifies the holder; only the holder can release or extend.
type LockOps interface {
	// TryLock attempts to acquire a lock and reports whether it was acquired
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Unlock releases the lock if token still holds it
	Unlock(ctx context.Context, key, token string) error

	// ExtendLock resets the TTL if token still holds the lock
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
