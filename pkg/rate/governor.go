// Package rate implements the per-client request governor. Counters live in
// memory for low-latency checks and are merged with the shared kv store on a
// ticker (or via ForceSyncAllPendingData): each flush pushes local deltas and
// pulls the cluster-wide total back into the window. Between flushes an
// instance decides from its own counters, so the cross-instance view is
// eventually consistent by design.
package rate

import (
	"context"
	"log"
	"sync"
	"time"

	"fleetwan/pkg/kv"
)

const (
	// ReasonGlobal marks the per-client global ceiling as the tripped limiter.
	ReasonGlobal = "global"
	// ReasonTypePrefix prefixes the per-message-type limiter reason.
	ReasonTypePrefix = "message_type:"
)

// Result is the outcome of one rate check.
type Result struct {
	Limited bool
	Reason  string
	Hits    int64
}

type counter struct {
	count     int64
	windowEnd time.Time
}

// Governor tracks fixed-window hit counts per client key. Different client
// keys never interfere with each other.
type Governor struct {
	store  kv.KV
	window time.Duration

	mu       sync.Mutex
	counters map[string]*counter
	pending  map[string]int64    // deltas not yet pushed to the shared store
	buckets  map[string][]string // clientKey -> kv keys seen, for ResetKey

	syncInterval time.Duration
	stop         chan struct{}
	started      bool
	lifecycle    sync.Mutex
}

// NewGovernor builds a governor with the given fixed window (1m when <= 0).
func NewGovernor(store kv.KV, window, syncInterval time.Duration) *Governor {
	if window <= 0 {
		window = time.Minute
	}
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}
	return &Governor{
		store:        store,
		window:       window,
		syncInterval: syncInterval,
		counters:     map[string]*counter{},
		pending:      map[string]int64{},
		buckets:      map[string][]string{},
	}
}

func globalKey(clientKey string) string { return "rate:" + clientKey + ":global" }

func typeKey(clientKey, messageType string) string {
	return "rate:" + clientKey + ":type:" + messageType
}

// CheckRateLimit counts one call against the client's global ceiling and,
// when messageType is non-empty, against the per-type ceiling (typeMax <= 0
// disables the per-type check). Degraded mode never limits.
func (g *Governor) CheckRateLimit(clientKey, messageType string, globalMax, typeMax int) Result {
	if !g.store.Ready() {
		return Result{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	hits := g.bump(clientKey, globalKey(clientKey), now)
	if globalMax > 0 && hits >= int64(globalMax) {
		return Result{Limited: true, Reason: ReasonGlobal, Hits: hits}
	}
	if messageType != "" {
		typeHits := g.bump(clientKey, typeKey(clientKey, messageType), now)
		if typeMax > 0 && typeHits >= int64(typeMax) {
			return Result{Limited: true, Reason: ReasonTypePrefix + messageType, Hits: typeHits}
		}
	}
	return Result{Hits: hits}
}

// bump increments one bucket, resetting it when its window has lapsed.
// Caller holds g.mu.
func (g *Governor) bump(clientKey, bucket string, now time.Time) int64 {
	c, ok := g.counters[bucket]
	if !ok || now.After(c.windowEnd) {
		c = &counter{windowEnd: now.Add(g.window)}
		g.counters[bucket] = c
		g.rememberBucket(clientKey, bucket)
	}
	c.count++
	g.pending[bucket]++
	return c.count
}

func (g *Governor) rememberBucket(clientKey, bucket string) {
	for _, b := range g.buckets[clientKey] {
		if b == bucket {
			return
		}
	}
	g.buckets[clientKey] = append(g.buckets[clientKey], bucket)
}

// DecrementRateLimit compensates for a call that was counted but should not
// have been, so the window reflects only real attempts.
func (g *Governor) DecrementRateLimit(clientKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket := globalKey(clientKey)
	if c, ok := g.counters[bucket]; ok && c.count > 0 {
		c.count--
		g.pending[bucket]--
	}
}

// ResetKey clears every counter for a client, locally and in the shared store.
func (g *Governor) ResetKey(ctx context.Context, clientKey string) {
	g.mu.Lock()
	buckets := g.buckets[clientKey]
	for _, b := range buckets {
		delete(g.counters, b)
		delete(g.pending, b)
	}
	delete(g.buckets, clientKey)
	g.mu.Unlock()

	if len(buckets) > 0 && g.store.Ready() {
		if err := g.store.Delete(ctx, buckets...); err != nil {
			log.Printf("rate reset %s failed: %v", clientKey, err)
		}
	}
}

// ForceSyncAllPendingData pushes unflushed deltas to the shared store and
// folds the returned cluster-wide totals back into the local windows, so
// other instances' traffic counts against the ceiling from the next check on.
func (g *Governor) ForceSyncAllPendingData(ctx context.Context) {
	g.mu.Lock()
	batch := g.pending
	g.pending = map[string]int64{}
	g.mu.Unlock()

	if !g.store.Ready() {
		// keep the deltas for the next flush
		g.requeue(batch)
		return
	}
	for bucket, delta := range batch {
		if delta == 0 {
			continue
		}
		total, err := g.store.IncrBy(ctx, bucket, delta, g.window)
		if err != nil {
			log.Printf("rate sync %s failed: %v", bucket, err)
			g.requeue(map[string]int64{bucket: delta})
			continue
		}
		g.absorb(bucket, total)
	}
}

// absorb raises a live local window to the cluster-wide count. Never lowers:
// local hits not yet visible in the shared store must keep counting.
func (g *Governor) absorb(bucket string, total int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.counters[bucket]
	if !ok || time.Now().After(c.windowEnd) {
		return
	}
	if total > c.count {
		c.count = total
	}
}

func (g *Governor) requeue(batch map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for bucket, delta := range batch {
		g.pending[bucket] += delta
	}
}

// Start launches the periodic flush; calling it twice is a no-op.
func (g *Governor) Start(ctx context.Context) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.started {
		return
	}
	g.started = true
	g.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.ForceSyncAllPendingData(ctx)
			}
		}
	}()
}

// Stop halts the flush loop after draining pending deltas.
func (g *Governor) Stop(ctx context.Context) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if !g.started {
		return
	}
	g.started = false
	close(g.stop)
	g.ForceSyncAllPendingData(ctx)
}
