package rate

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwan/pkg/kv"
)

func TestGlobalCeiling(t *testing.T) {
	g := NewGovernor(kv.NewMemory(true), time.Minute, time.Minute)

	const limit = 5
	for i := 1; i < limit; i++ {
		res := g.CheckRateLimit("client-a", "", limit, 0)
		assert.False(t, res.Limited, "call %d", i)
		assert.Equal(t, int64(i), res.Hits)
	}
	res := g.CheckRateLimit("client-a", "", limit, 0)
	assert.True(t, res.Limited)
	assert.Equal(t, ReasonGlobal, res.Reason)

	// a different client key is unaffected
	other := g.CheckRateLimit("client-b", "", limit, 0)
	assert.False(t, other.Limited)
	assert.Equal(t, int64(1), other.Hits)
}

func TestMessageTypeCeiling(t *testing.T) {
	g := NewGovernor(kv.NewMemory(true), time.Minute, time.Minute)

	for i := 1; i < 3; i++ {
		res := g.CheckRateLimit("client-a", "ping", 100, 3)
		require.False(t, res.Limited, "call %d", i)
	}
	res := g.CheckRateLimit("client-a", "ping", 100, 3)
	assert.True(t, res.Limited)
	assert.Equal(t, ReasonTypePrefix+"ping", res.Reason)

	// another type under the same client still passes
	assert.False(t, g.CheckRateLimit("client-a", "register", 100, 3).Limited)
}

func TestResetKeyRestoresFreshWindow(t *testing.T) {
	g := NewGovernor(kv.NewMemory(true), time.Minute, time.Minute)

	for i := 0; i < 4; i++ {
		g.CheckRateLimit("client-a", "ping", 100, 50)
	}
	g.ResetKey(context.Background(), "client-a")

	res := g.CheckRateLimit("client-a", "ping", 100, 50)
	assert.False(t, res.Limited)
	assert.Equal(t, int64(1), res.Hits)
}

func TestDecrementCompensatesCountedCall(t *testing.T) {
	g := NewGovernor(kv.NewMemory(true), time.Minute, time.Minute)

	const limit = 3
	g.CheckRateLimit("client-a", "", limit, 0)
	g.CheckRateLimit("client-a", "", limit, 0)
	g.DecrementRateLimit("client-a")

	// net effect reflects only real attempts: this is hit 2, not 3
	res := g.CheckRateLimit("client-a", "", limit, 0)
	assert.False(t, res.Limited)
	assert.Equal(t, int64(2), res.Hits)
}

func TestSyncPushesPendingDeltas(t *testing.T) {
	store := kv.NewMemory(true)
	g := NewGovernor(store, time.Minute, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.CheckRateLimit("client-a", "ping", 100, 50)
	}
	g.ForceSyncAllPendingData(ctx)

	v, ok, err := store.Get(ctx, "rate:client-a:global")
	require.NoError(t, err)
	require.True(t, ok)
	n, err := strconv.ParseInt(v, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// second flush has nothing pending and must not double-count
	g.ForceSyncAllPendingData(ctx)
	v, _, _ = store.Get(ctx, "rate:client-a:global")
	n, _ = strconv.ParseInt(v, 10, 64)
	assert.Equal(t, int64(3), n)
}

func TestSyncAbsorbsOtherInstancesHits(t *testing.T) {
	store := kv.NewMemory(true)
	a := NewGovernor(store, time.Minute, time.Minute)
	b := NewGovernor(store, time.Minute, time.Minute)
	ctx := context.Background()

	const limit = 5
	for i := 0; i < 3; i++ {
		a.CheckRateLimit("client-a", "", limit, 0)
	}
	a.ForceSyncAllPendingData(ctx)

	// one local hit, then a flush pulls the cluster total (3+1) into b
	require.False(t, b.CheckRateLimit("client-a", "", limit, 0).Limited)
	b.ForceSyncAllPendingData(ctx)

	res := b.CheckRateLimit("client-a", "", limit, 0)
	assert.True(t, res.Limited, "the other instance's hits count here after sync")
	assert.Equal(t, ReasonGlobal, res.Reason)
	assert.Equal(t, int64(5), res.Hits)
}

func TestSyncKeepsDeltasWhileStoreDown(t *testing.T) {
	store := kv.NewMemory(true)
	g := NewGovernor(store, time.Minute, time.Minute)
	ctx := context.Background()

	g.CheckRateLimit("client-a", "", 100, 0)
	store.SetReady(false)
	g.ForceSyncAllPendingData(ctx)

	store.SetReady(true)
	g.ForceSyncAllPendingData(ctx)
	v, ok, err := store.Get(ctx, "rate:client-a:global")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestDegradedModeNeverLimits(t *testing.T) {
	g := NewGovernor(kv.NewMemory(false), time.Minute, time.Minute)

	for i := 0; i < 50; i++ {
		res := g.CheckRateLimit("client-a", "ping", 2, 1)
		require.False(t, res.Limited, "call %d", i)
	}
}

func TestClientKeysAreIndependent(t *testing.T) {
	g := NewGovernor(kv.NewMemory(true), time.Minute, time.Minute)

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("client-%d", i)
		res := g.CheckRateLimit(key, "", 2, 0)
		require.False(t, res.Limited)
		require.Equal(t, int64(1), res.Hits)
	}
}
