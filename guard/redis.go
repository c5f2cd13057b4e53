package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockoutStore implements LockoutStore on Redis for distributed
// deployments.
type RedisLockoutStore struct {
	client *redis.Client
	prefix string
}

func NewRedisLockoutStore(client *redis.Client, prefix string) *RedisLockoutStore {
	if prefix == "" {
		prefix = "accounts:lockout:"
	}
	return &RedisLockoutStore{client: client, prefix: prefix}
}

func (s *RedisLockoutStore) failureKey(identifier string) string {
	return s.prefix + "failures:" + identifier
}

func (s *RedisLockoutStore) lockKey(identifier string) string {
	return s.prefix + "locked:" + identifier
}

func (s *RedisLockoutStore) RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error) {
	// Atomic increment + expire.
	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)
	result, err := script.Run(ctx, s.client, []string{s.failureKey(identifier)}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lockout: record failure: %w", err)
	}
	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("redis lockout: unexpected result type")
	}
	return int(count), nil
}

func (s *RedisLockoutStore) ClearFailures(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, s.failureKey(identifier)).Err(); err != nil {
		return fmt.Errorf("redis lockout: clear failures: %w", err)
	}
	return nil
}

func (s *RedisLockoutStore) Lock(ctx context.Context, identifier string, duration time.Duration) error {
	lockedUntil := time.Now().Add(duration).Unix()
	if err := s.client.Set(ctx, s.lockKey(identifier), lockedUntil, duration).Err(); err != nil {
		return fmt.Errorf("redis lockout: lock: %w", err)
	}
	return s.ClearFailures(ctx, identifier)
}

func (s *RedisLockoutStore) IsLocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	result, err := s.client.Get(ctx, s.lockKey(identifier)).Result()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("redis lockout: check lock: %w", err)
	}

	var lockedUntil int64
	if _, err := fmt.Sscanf(result, "%d", &lockedUntil); err != nil {
		return false, time.Time{}, fmt.Errorf("redis lockout: parse lock time: %w", err)
	}
	until := time.Unix(lockedUntil, 0)
	if time.Now().After(until) {
		// Key should have expired already.
		s.client.Del(ctx, s.lockKey(identifier))
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// RedisRateLimiter implements RateLimiter on Redis using a sliding window
// log.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimiter(client *redis.Client, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "accounts:ratelimit:"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now()
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
		local count = redis.call('ZCARD', key)
		if count >= limit then
			return {0, 0}
		end
		redis.call('ZADD', key, now, now .. ':' .. math.random())
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - count - 1}
	`)
	result, err := script.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		window.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit: allow: %w", err)
	}
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("redis rate limit: unexpected result format")
	}
	return arr[0].(int64) == 1, int(arr[1].(int64)), nil
}

func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis rate limit: reset: %w", err)
	}
	return nil
}
