package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade by design -- consumers use narrow sub-interfaces (ISP)
type Store interface {
	Pinger
	KVStore
	HashStore
	Scripter
	PubSub
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVStore provides simple key-value operations.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, val int64) error
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}

// HashStore provides hash-based key-value operations.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Scripter runs server-side Lua scripts. A script executes atomically with
// respect to all other commands, which makes it the one place true per-key
// mutual exclusion is available.
type Scripter interface {
	Eval(ctx context.Context, script string, keys, args []string) ([]byte, error)
}

// PubSub provides broadcast-style messaging between processes.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe blocks, delivering messages to handler until ctx is done.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}
