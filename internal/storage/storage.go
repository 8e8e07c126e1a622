// Package storage defines the key-value persistence interface and its implementations.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// KV is a durable string key-value store with optional per-key expiry.
// Individual operations are atomic; sequences of operations are not.
type KV interface {
	// Get returns the value stored under key. The boolean is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores value under key. A ttl of zero means the key never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Purger is implemented by stores that keep expired rows until asked to
// remove them.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Open returns the store for the named backend. dsn is the database path for
// SQLite and the connection URL for Redis; it is ignored for memory.
func Open(ctx context.Context, backend, dsn string) (KV, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLite(dsn)
	case BackendRedis:
		return NewRedis(ctx, dsn)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// GetInt64 reads an integer value. def is returned when the key is absent or
// does not hold a number.
func GetInt64(ctx context.Context, kv KV, key string, def int64) (int64, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// PutInt64 stores an integer value without expiry.
func PutInt64(ctx context.Context, kv KV, key string, v int64) error {
	return kv.Put(ctx, key, strconv.FormatInt(v, 10), 0)
}
