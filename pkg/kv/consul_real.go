//go:build consul

package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Consul implements KV on consul's KV store. Consul has no per-key TTL, so
// entries carry their own deadline and expired entries are treated as absent;
// all check-and-act operations go through CAS on the entry's ModifyIndex.
type Consul struct {
	cli   *consulapi.Client
	ready atomic.Bool
}

type consulEntry struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"e"` // unix nano, 0 = no expiry
}

// NewConsul builds the consul-backed store (requires build tag consul).
func NewConsul(ctx context.Context, addr string) *Consul {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		log.Printf("consul client init failed: %v (degraded mode)", err)
		return &Consul{}
	}
	c := &Consul{cli: cli}
	if _, err := cli.Status().Leader(); err != nil {
		log.Printf("consul not ready at %s: %v (degraded mode)", cfg.Address, err)
	} else {
		c.ready.Store(true)
	}
	go c.monitor(ctx)
	return c
}

func (c *Consul) monitor(ctx context.Context) {
	if c.cli == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.cli.Status().Leader()
			c.ready.Store(err == nil)
		}
	}
}

func (c *Consul) Ready() bool { return c.cli != nil && c.ready.Load() }

func (c *Consul) read(key string) (consulEntry, uint64, bool, error) {
	pair, _, err := c.cli.KV().Get(key, nil)
	if err != nil || pair == nil {
		return consulEntry{}, 0, false, err
	}
	var e consulEntry
	if err := json.Unmarshal(pair.Value, &e); err != nil {
		return consulEntry{}, pair.ModifyIndex, false, nil
	}
	if e.ExpiresAt > 0 && time.Now().UnixNano() > e.ExpiresAt {
		return e, pair.ModifyIndex, false, nil // expired: present on disk, absent logically
	}
	return e, pair.ModifyIndex, true, nil
}

func (c *Consul) put(key string, e consulEntry, index uint64) (bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	ok, _, err := c.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: index}, nil)
	return ok, err
}

func (c *Consul) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.cli == nil {
		return false, fmt.Errorf("consul client not configured")
	}
	_, index, live, err := c.read(key)
	if err != nil {
		return false, err
	}
	if live {
		return false, nil
	}
	return c.put(key, consulEntry{Value: value, ExpiresAt: time.Now().Add(ttl).UnixNano()}, index)
}

func (c *Consul) Get(_ context.Context, key string) (string, bool, error) {
	if c.cli == nil {
		return "", false, fmt.Errorf("consul client not configured")
	}
	e, _, live, err := c.read(key)
	if err != nil || !live {
		return "", false, err
	}
	return e.Value, true, nil
}

func (c *Consul) TTL(_ context.Context, key string) (time.Duration, error) {
	if c.cli == nil {
		return 0, fmt.Errorf("consul client not configured")
	}
	e, _, live, err := c.read(key)
	if err != nil || !live || e.ExpiresAt == 0 {
		return 0, err
	}
	d := time.Until(time.Unix(0, e.ExpiresAt))
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (c *Consul) DeleteIfPrefix(_ context.Context, key, ownerPrefix string) (bool, error) {
	if c.cli == nil {
		return false, fmt.Errorf("consul client not configured")
	}
	e, index, live, err := c.read(key)
	if err != nil || !live || !strings.HasPrefix(e.Value, ownerPrefix) {
		return false, err
	}
	ok, _, err := c.cli.KV().DeleteCAS(&consulapi.KVPair{Key: key, ModifyIndex: index}, nil)
	return ok, err
}

func (c *Consul) ExpireIfPrefix(_ context.Context, key, ownerPrefix string, ttl time.Duration) (bool, error) {
	if c.cli == nil {
		return false, fmt.Errorf("consul client not configured")
	}
	e, index, live, err := c.read(key)
	if err != nil || !live || !strings.HasPrefix(e.Value, ownerPrefix) {
		return false, err
	}
	e.ExpiresAt = time.Now().Add(ttl).UnixNano()
	return c.put(key, e, index)
}

func (c *Consul) Delete(_ context.Context, keys ...string) error {
	if c.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	for _, k := range keys {
		if _, err := c.cli.KV().Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consul) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	if c.cli == nil {
		return 0, fmt.Errorf("consul client not configured")
	}
	for attempt := 0; attempt < 5; attempt++ {
		e, index, live, err := c.read(key)
		if err != nil {
			return 0, err
		}
		var cur int64
		next := consulEntry{ExpiresAt: time.Now().Add(ttl).UnixNano()}
		if live {
			cur, _ = strconv.ParseInt(e.Value, 10, 64)
			next.ExpiresAt = e.ExpiresAt
		}
		next.Value = strconv.FormatInt(cur+n, 10)
		ok, err := c.put(key, next, index)
		if err != nil {
			return 0, err
		}
		if ok {
			return cur + n, nil
		}
	}
	return 0, fmt.Errorf("consul cas contention on %s", key)
}
