package kv

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements KV on go-redis. Readiness is tracked by a background ping
// loop so lock and rate checks never block on a dead backend.
type Redis struct {
	cli   *redis.Client
	ready atomic.Bool
}

var deleteIfPrefixScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0`)

var expireIfPrefixScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0`)

var incrWithTTLScript = redis.NewScript(`
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return n`)

// NewRedis connects and starts the readiness monitor. A failed initial ping
// is logged, not fatal; the store comes up in degraded mode and recovers when
// redis does.
func NewRedis(ctx context.Context, addr, password string, db int) *Redis {
	r := &Redis{cli: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.cli.Ping(pingCtx).Err(); err != nil {
		log.Printf("redis not ready at %s: %v (degraded mode)", addr, err)
	} else {
		r.ready.Store(true)
	}
	go r.monitor(ctx)
	return r
}

func (r *Redis) monitor(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.cli.Ping(pingCtx).Err()
			cancel()
			was := r.ready.Swap(err == nil)
			if was && err != nil {
				log.Printf("redis became unreachable: %v (degraded mode)", err)
			} else if !was && err == nil {
				log.Printf("redis reachable again")
			}
		}
	}
}

func (r *Redis) Ready() bool { return r.ready.Load() }

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.cli.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.cli.PTTL(ctx, key).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}

func (r *Redis) DeleteIfPrefix(ctx context.Context, key, ownerPrefix string) (bool, error) {
	n, err := deleteIfPrefixScript.Run(ctx, r.cli, []string{key}, ownerPrefix).Int()
	return n == 1, err
}

func (r *Redis) ExpireIfPrefix(ctx context.Context, key, ownerPrefix string, ttl time.Duration) (bool, error) {
	n, err := expireIfPrefixScript.Run(ctx, r.cli, []string{key}, ownerPrefix, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.cli.Del(ctx, keys...).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	return incrWithTTLScript.Run(ctx, r.cli, []string{key}, n, ttl.Milliseconds()).Int64()
}
