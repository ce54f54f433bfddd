// Package kv is the only storage primitive the core depends on. It exposes
// string, hash and sorted-set operations with TTLs behind a single Store
// interface, with a Redis-backed implementation for production and an
// in-process implementation for tests and degraded operation.
package kv

import (
	"context"
	"time"
)

// Member is a sorted-set entry.
type Member struct {
	Score  float64
	Member string
}

// Pipe collects mutations that are applied as a single atomic unit.
type Pipe interface {
	Set(key, value string)
	SetEx(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key, field, value string)
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64)
	Expire(key string, ttl time.Duration)
}

// Store is the key/value contract shared by the Redis and in-memory
// implementations. All mutating operations are atomic at the key level;
// pipelines apply as a unit. Implementations must agree on sorted-set
// ordering (ascending score, then lexical member) and TTL eviction.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets the key only when absent. Used for short-lived locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZAddIfCountBelow atomically trims entries with score <= trimBelow,
	// counts the remainder, and adds the member only when the count is
	// under limit. Returns whether the member was added and the count
	// observed before the add. This is the sliding-window primitive.
	ZAddIfCountBelow(ctx context.Context, key string, trimBelow float64, limit int64, score float64, member string) (bool, int64, error)

	// Pipeline executes the collected mutations as one unit.
	Pipeline(ctx context.Context, fn func(Pipe)) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
