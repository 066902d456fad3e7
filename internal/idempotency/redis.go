package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// admitScript creates the record only if absent (single round-trip CAS).
//
// KEYS[1] = record key
// ARGV[1] = first_seen_at (unix ms)
// ARGV[2] = expires_at (unix ms)
// ARGV[3] = ttl (ms)
//
// Returns {1, ""} on first admission, {0, response} otherwise.
var admitScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'first_seen_at', ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, ''}
end
local r = redis.call('HGET', KEYS[1], 'response')
if not r then
  r = ''
end
return {0, r}
`)

// completeScript stores the response only while the record is still alive.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'response', ARGV[1])
  return 1
end
return 0
`)

// RedisGate is a Gate backed by Redis hashes with a TTL. Expired records are
// reclaimed by Redis itself.
type RedisGate struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func NewRedisGate(rdb redis.Cmdable, ttl time.Duration) *RedisGate {
	return &RedisGate{rdb: rdb, ttl: ttl, now: time.Now}
}

func recordKey(key string) string { return utils.RedisKey("idem", key) }

func (g *RedisGate) Admit(ctx context.Context, key string) (Admission, error) {
	if key == "" {
		return Admission{}, ErrEmptyKey
	}
	now := g.now()
	res, err := admitScript.Run(ctx, g.rdb, []string{recordKey(key)},
		now.UnixMilli(), now.Add(g.ttl).UnixMilli(), g.ttl.Milliseconds()).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return Admission{}, fmt.Errorf("%w: unexpected admit reply %v", ErrUnavailable, res)
	}
	first, _ := res[0].(int64)
	resp, _ := res[1].(string)
	a := Admission{First: first == 1}
	if resp != "" {
		a.Response = []byte(resp)
	}
	return a, nil
}

func (g *RedisGate) Complete(ctx context.Context, key string, response []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := completeScript.Run(ctx, g.rdb, []string{recordKey(key)}, string(response)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (g *RedisGate) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := g.rdb.Del(ctx, recordKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
