// Package kv is the shared key/expiry store behind the lock manager and the
// rate governor. The default backend is redis; a consul KV backend is
// available behind the consul build tag.
package kv

import (
	"context"
	"time"
)

// KV is the minimal atomic surface the coordination core needs. Consumers
// must treat a not-Ready store as a grant-everything degraded mode rather
// than failing closed.
type KV interface {
	// SetNX stores value under key with ttl only when key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// TTL returns the remaining lifetime of key, 0 when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// DeleteIfPrefix deletes key only when its value starts with ownerPrefix.
	// The check and the delete are a single atomic step.
	DeleteIfPrefix(ctx context.Context, key, ownerPrefix string) (bool, error)
	// ExpireIfPrefix resets the ttl only when the value starts with ownerPrefix.
	ExpireIfPrefix(ctx context.Context, key, ownerPrefix string, ttl time.Duration) (bool, error)
	// Delete removes keys unconditionally.
	Delete(ctx context.Context, keys ...string) error
	// IncrBy adds n to an integer key, setting ttl when the key is created.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	// Ready reports whether the backing store is reachable.
	Ready() bool
}
