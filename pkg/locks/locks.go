// Package locks provides process-external mutual exclusion on top of the
// shared kv store. Availability wins over strict exclusivity: when the store
// is unreachable every operation grants and moves on.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"fleetwan/pkg/kv"
)

const keyPrefix = "lock:"

// ErrNotAcquired is returned by WithLock when the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// Manager serializes cross-instance operations. Lock values are
// "<instance>:<unixNano>"; the same instance re-acquiring a key refreshes the
// TTL instead of failing.
type Manager struct {
	store    kv.KV
	instance string
}

// Info describes the current holder of a lock key.
type Info struct {
	Key   string
	Owner string
	TTL   time.Duration
	Held  bool
}

func NewManager(store kv.KV) *Manager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Manager{
		store:    store,
		instance: host + "-" + strconv.Itoa(os.Getpid()),
	}
}

func (m *Manager) ownerValue() string {
	return m.instance + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func (m *Manager) ownerPrefix() string {
	return m.instance + ":"
}

// Acquire takes the lock or, when this instance already holds it, refreshes
// its TTL. Store failures grant access rather than blocking callers.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	if !m.store.Ready() {
		return true
	}
	ok, err := m.store.SetNX(ctx, keyPrefix+key, m.ownerValue(), ttl)
	if err != nil {
		log.Printf("lock acquire %s failed: %v (granting)", key, err)
		return true
	}
	if ok {
		return true
	}
	// key exists; reentrant when it is ours
	refreshed, err := m.store.ExpireIfPrefix(ctx, keyPrefix+key, m.ownerPrefix(), ttl)
	if err != nil {
		log.Printf("lock refresh %s failed: %v (granting)", key, err)
		return true
	}
	return refreshed
}

// Release drops the lock when this instance owns it; releasing someone
// else's lock is a no-op.
func (m *Manager) Release(ctx context.Context, key string) {
	if !m.store.Ready() {
		return
	}
	if _, err := m.store.DeleteIfPrefix(ctx, keyPrefix+key, m.ownerPrefix()); err != nil {
		log.Printf("lock release %s failed: %v", key, err)
	}
}

// ForceRelease drops the lock regardless of owner.
func (m *Manager) ForceRelease(ctx context.Context, key string) {
	if !m.store.Ready() {
		return
	}
	if err := m.store.Delete(ctx, keyPrefix+key); err != nil {
		log.Printf("lock force-release %s failed: %v", key, err)
	}
}

// Extend refreshes the TTL when this instance owns the lock.
func (m *Manager) Extend(ctx context.Context, key string, ttl time.Duration) bool {
	if !m.store.Ready() {
		return true
	}
	ok, err := m.store.ExpireIfPrefix(ctx, keyPrefix+key, m.ownerPrefix(), ttl)
	if err != nil {
		log.Printf("lock extend %s failed: %v (granting)", key, err)
		return true
	}
	return ok
}

// Info reports the current holder, if any.
func (m *Manager) Info(ctx context.Context, key string) (Info, error) {
	info := Info{Key: key}
	if !m.store.Ready() {
		return info, nil
	}
	owner, held, err := m.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return info, err
	}
	if !held {
		return info, nil
	}
	ttl, err := m.store.TTL(ctx, keyPrefix+key)
	if err != nil {
		return info, err
	}
	info.Owner = owner
	info.TTL = ttl
	info.Held = true
	return info, nil
}

// IsOwn reports whether the given lock value belongs to this instance.
func (m *Manager) IsOwn(value string) bool {
	return strings.HasPrefix(value, m.ownerPrefix())
}

// AcquireWithRetry retries with exponential backoff plus jitter and returns
// false once maxRetries attempts are exhausted.
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, baseDelay time.Duration) bool {
	if baseDelay <= 0 {
		baseDelay = 10 * time.Millisecond
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		if m.Acquire(ctx, key, ttl) {
			return true
		}
		delay := baseDelay<<uint(attempt) + time.Duration(rand.Int63n(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// WithLock runs fn under the lock and releases it on every exit path.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	if !m.Acquire(ctx, key, ttl) {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer m.Release(ctx, key)
	return fn()
}
