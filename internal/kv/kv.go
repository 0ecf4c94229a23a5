// Package kv is the hot-state store adapter. It exposes only the operations
// the core needs; callers must not depend on cross-key atomicity.
package kv

import (
	"context"
	"time"
)

// Member is a sorted-set entry.
type Member struct {
	Member string
	Score  float64
}

// Store is implemented by the Redis adapter and by the in-memory test store.
// All operations are single-round-trip.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX acquires key iff absent; used for the single-attempt session lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// IncrWithTTL atomically increments key, arming ttl on first create, and
	// returns the new value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping probes the store and returns the round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)
}
