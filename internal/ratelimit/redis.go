package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript counts one hit and arms the window expiry on the first hit
// of a window, all in one round trip.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// forgiveScript decrements without going below zero.
var forgiveScript = redis.NewScript(`
local count = redis.call('GET', KEYS[1])
if count and tonumber(count) > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisCounter is the shared fixed-window backend. All replicas of the
// service see the same buckets.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter wraps an established client.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, win.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = win
	}
	return res[0], ttl, nil
}

func (c *RedisCounter) Forgive(ctx context.Context, key string) error {
	if err := forgiveScript.Run(ctx, c.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
