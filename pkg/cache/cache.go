// Package cache provides the key/value cache behind query results and the
// active snapshot pointer. Caching is an optimization: callers treat every
// error as a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented cache with per-key expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime of key, or ErrMiss.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Incr atomically increments the integer counter at key, starting
	// from 0, and returns the new value. Counters do not expire.
	Incr(ctx context.Context, key string) (int64, error)
}

// GetJSON decodes the value stored at key into dst.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// MaxJitterFactor is the upper bound of the TTL multiplier.
const MaxJitterFactor = 10

// JitteredTTL draws a TTL uniformly from [base, MaxJitterFactor*base] so
// identical entries written together do not expire together.
func JitteredTTL(base time.Duration) time.Duration {
	return jitteredTTL(base, rand.Float64)
}

func jitteredTTL(base time.Duration, unit func() float64) time.Duration {
	factor := 1 + unit()*(MaxJitterFactor-1)
	return time.Duration(float64(base) * factor)
}
