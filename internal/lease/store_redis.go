package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "carecall:lease:"

var acquireScript = redis.NewScript(`
-- KEYS[1] = lease hash
-- ARGV[1] = worker id, ARGV[2] = now_ms, ARGV[3] = ttl_ms
-- Returns 1 if this worker now holds the lease, 0 otherwise.
local holder = redis.call('HGET', KEYS[1], 'held_by')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
local now = tonumber(ARGV[2])
if holder and holder ~= ARGV[1] and expires > now then
  return 0
end
local acquired = now
if holder == ARGV[1] and expires > now then
  acquired = tonumber(redis.call('HGET', KEYS[1], 'acquired_at') or ARGV[2])
end
redis.call('HSET', KEYS[1],
  'held_by', ARGV[1],
  'acquired_at', tostring(acquired),
  'heartbeat_at', ARGV[2],
  'expires_at', tostring(now + tonumber(ARGV[3])))
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var heartbeatScript = redis.NewScript(`
-- KEYS[1] = lease hash
-- ARGV[1] = worker id, ARGV[2] = now_ms, ARGV[3] = extend_ms
local holder = redis.call('HGET', KEYS[1], 'held_by')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
local now = tonumber(ARGV[2])
if holder ~= ARGV[1] or expires <= now then
  return 0
end
redis.call('HSET', KEYS[1],
  'heartbeat_at', ARGV[2],
  'expires_at', tostring(now + tonumber(ARGV[3])))
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = lease hash
-- ARGV[1] = worker id
if redis.call('HGET', KEYS[1], 'held_by') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisStore keeps one hash per role. Each operation is a single Lua script,
// and the key's own TTL removes abandoned leases.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) TryAcquire(ctx context.Context, role, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	if err := validate(role, workerID, ttl); err != nil {
		return false, err
	}
	res, err := acquireScript.Run(ctx, s.rdb, []string{redisKeyPrefix + role}, workerID, now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, role, workerID string, now time.Time, extend time.Duration) (bool, error) {
	if err := validate(role, workerID, extend); err != nil {
		return false, err
	}
	res, err := heartbeatScript.Run(ctx, s.rdb, []string{redisKeyPrefix + role}, workerID, now.UnixMilli(), extend.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease heartbeat: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, role, workerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{redisKeyPrefix + role}, workerID).Int()
	if err != nil {
		return false, fmt.Errorf("lease release: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, role string) (Lease, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKeyPrefix+role).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	if len(vals) == 0 {
		return Lease{}, false, nil
	}
	return Lease{
		Role:        role,
		HeldBy:      vals["held_by"],
		AcquiredAt:  msToTime(vals["acquired_at"]),
		HeartbeatAt: msToTime(vals["heartbeat_at"]),
		ExpiresAt:   msToTime(vals["expires_at"]),
	}, true, nil
}

func msToTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
