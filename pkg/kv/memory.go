package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process KV for tests and single-instance dev runs.
type Memory struct {
	mu    sync.Mutex
	data  map[string]memEntry
	ready bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMemory(ready bool) *Memory {
	return &Memory{data: map[string]memEntry{}, ready: ready}
}

// SetReady toggles the simulated availability of the backend.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *Memory) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.value, ok, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

func (m *Memory) DeleteIfPrefix(_ context.Context, key, ownerPrefix string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || !strings.HasPrefix(e.value, ownerPrefix) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) ExpireIfPrefix(_ context.Context, key, ownerPrefix string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || !strings.HasPrefix(e.value, ownerPrefix) {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	m.data[key] = e
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		m.data[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: time.Now().Add(ttl)}
		return n, nil
	}
	cur, _ := strconv.ParseInt(e.value, 10, 64)
	e.value = strconv.FormatInt(cur+n, 10)
	m.data[key] = e
	return cur + n, nil
}
