package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Loader fetches a value from the source of truth. found=false means the record does not exist.
type Loader[T any] func(ctx context.Context) (value T, found bool, err error)

// GetWithCached reads key through the cache.
// On a miss it calls load and stores the result. Absent records are not cached.
// A corrupt or unreachable cache falls back to load.
func GetWithCached[T any](
	ctx context.Context,
	cache BasicOps,
	key string,
	ttl time.Duration,
	marshal func(T) (string, error),
	unmarshal func(string) (T, error),
	load Loader[T],
) (T, bool, error) {
	var zero T

	if cached, err := cache.Get(ctx, key); err == nil && cached != "" {
		if value, err := unmarshal(cached); err == nil {
			return value, true, nil
		}
	}

	value, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}
	if data, err := marshal(value); err == nil {
		_ = cache.Set(ctx, key, data, JitterTTL(ttl))
	}
	return value, true, nil
}

// UpdateCached runs the write and then drops key so the next read reloads it.
func UpdateCached(ctx context.Context, cache BasicOps, key string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	_ = cache.Del(ctx, key)
	return nil
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
