// Package kv defines the small key-value contract the session layer persists
// its tab-scoped records through.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store holding JSON-encoded records. Get returns an
// error wrapping serviceerr.ErrNotFound for absent or expired keys. A ttl of
// zero or less stores the value without expiry.
//
// The conditional operations compare the stored bytes with the JSON
// encoding of old and act atomically. They report false, with no error,
// when the key is absent or holds something else.
type Store interface {
	Get(ctx context.Context, key string, into any) error
	Set(ctx context.Context, key string, val any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	SetIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key string, old, val any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, old any) (bool, error)
}
