package sentry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter records an attempt in a rolling window and returns how many
// attempts the window now holds, this one included. Recording the same member
// twice counts it once.
type Counter interface {
	Hit(ctx context.Context, key, member string, window time.Duration, now time.Time) (int64, error)
}

// slidingWindowScript prunes, records, counts and refreshes the TTL of a
// sorted-set window in one round trip.
//
// KEYS[1] = window key
// ARGV[1] = now (unix ms, score)
// ARGV[2] = cutoff (unix ms); members scored at or before it are dropped
// ARGV[3] = member
// ARGV[4] = ttl (ms)
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return n
`)

// RedisCounter keeps windows in Redis sorted sets so every replica sees the
// same counts.
type RedisCounter struct {
	rdb redis.Scripter
}

func NewRedisCounter(rdb redis.Scripter) *RedisCounter { return &RedisCounter{rdb: rdb} }

func (c *RedisCounter) Hit(ctx context.Context, key, member string, window time.Duration, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	n, err := slidingWindowScript.Run(ctx, c.rdb, []string{key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-window.Milliseconds(), 10),
		member,
		strconv.FormatInt(window.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// MemoryCounter is a process-local Counter for tests.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]map[string]time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: map[string]map[string]time.Time{}}
}

func (c *MemoryCounter) Hit(_ context.Context, key, member string, window time.Duration, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok {
		w = map[string]time.Time{}
		c.windows[key] = w
	}
	cutoff := now.Add(-window)
	for m, at := range w {
		if !at.After(cutoff) {
			delete(w, m)
		}
	}
	w[member] = now
	return int64(len(w)), nil
}
