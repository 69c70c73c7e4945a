package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwan/pkg/kv"
)

func newTestManager(store kv.KV, instance string) *Manager {
	m := NewManager(store)
	m.instance = instance
	return m
}

func TestAcquireIsReentrantForSameOwner(t *testing.T) {
	store := kv.NewMemory(true)
	m := newTestManager(store, "node-a")
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, "job", time.Minute))
	// same owner: TTL refresh, not a failure
	require.True(t, m.Acquire(ctx, "job", time.Minute))

	info, err := m.Info(ctx, "job")
	require.NoError(t, err)
	assert.True(t, info.Held)
	assert.True(t, m.IsOwn(info.Owner))
}

func TestAcquireFailsWhileHeldElsewhere(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	assert.False(t, b.Acquire(ctx, "job", time.Minute))
}

func TestReleaseByNonOwnerIsNoOp(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	b.Release(ctx, "job")

	info, err := a.Info(ctx, "job")
	require.NoError(t, err)
	assert.True(t, info.Held, "lock must survive a foreign release")

	a.Release(ctx, "job")
	info, err = a.Info(ctx, "job")
	require.NoError(t, err)
	assert.False(t, info.Held)
}

func TestForceReleaseIgnoresOwnership(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	b.ForceRelease(ctx, "job")
	assert.True(t, b.Acquire(ctx, "job", time.Minute))
}

func TestExtendOnlyForOwner(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	assert.True(t, a.Extend(ctx, "job", 2*time.Minute))
	assert.False(t, b.Extend(ctx, "job", 2*time.Minute))
}

func TestAcquireWithRetryGivesUp(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	start := time.Now()
	ok := b.AcquireWithRetry(ctx, "job", time.Minute, 3, time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithLockReleasesOnError(t *testing.T) {
	store := kv.NewMemory(true)
	m := newTestManager(store, "node-a")
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "job", time.Minute, func() error { return boom })
	require.ErrorIs(t, err, boom)

	info, err := m.Info(ctx, "job")
	require.NoError(t, err)
	assert.False(t, info.Held, "lock must be released on the error path")
}

func TestWithLockFailsWhenHeldElsewhere(t *testing.T) {
	store := kv.NewMemory(true)
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	require.True(t, a.Acquire(ctx, "job", time.Minute))
	err := b.WithLock(ctx, "job", time.Minute, func() error {
		t.Fatal("must not run under a foreign lock")
		return nil
	})
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestDegradedModeGrantsEverything(t *testing.T) {
	store := kv.NewMemory(false) // backing store unavailable
	a := newTestManager(store, "node-a")
	b := newTestManager(store, "node-b")
	ctx := context.Background()

	assert.True(t, a.Acquire(ctx, "job", time.Minute))
	assert.True(t, b.Acquire(ctx, "job", time.Minute))
	assert.True(t, b.Extend(ctx, "job", time.Minute))
	ran := false
	require.NoError(t, b.WithLock(ctx, "job", time.Minute, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
