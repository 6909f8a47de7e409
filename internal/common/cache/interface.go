package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the evaluation manager relies on.
type Cache interface {
	BasicOps
	HashOps
	SetOps
	LockOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" with a nil error when the key is missing.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// HashOps defines hash (map) operations
type HashOps interface {
	HSet(ctx context.Context, key, field string, value interface{}) error

	// HGet returns "" with a nil error when the field is missing.
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// SetOps defines set operations
type SetOps interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member interface{}) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// LockOps defines distributed lock operations
type LockOps interface {
	// TryLock attempts to acquire key for ttl. On success it returns a token
	// that must be passed to Unlock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Unlock releases key only if it is still held with token.
	Unlock(ctx context.Context, key, token string) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues commands that are sent in one round trip.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	HDel(key string, fields ...string) error
	Del(keys ...string) error
}
