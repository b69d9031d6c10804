// Package locks provides a Redis-backed exclusive lock used to keep
// background sweeps single-flight across migrator replicas.
package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stampmint/stampmint/core/infra/redisutil"
)

const (
	defaultTTL          = 30 * time.Second
	connectProbeTimeout = 2 * time.Second

	lockKeyPrefix = "lock:"
)

// releaseScript deletes the lock only when the caller still owns it, so a
// holder whose TTL lapsed cannot release a successor's lock.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// renewScript extends the TTL only for the current owner.
const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisLock hands out exclusive, TTL-bounded locks on named resources.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock connects to Redis at the given URL.
func NewRedisLock(url string) (*RedisLock, error) {
	opts, err := redisutil.ClientOptions(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLock{client: client}, nil
}

// Close shuts down the Redis client.
func (l *RedisLock) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// Acquire takes the lock for owner if it is free. It reports false without
// error when another owner holds it.
func (l *RedisLock) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+resource, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	return ok, nil
}

// Renew extends the TTL if owner still holds the lock.
func (l *RedisLock) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return false, err
	}
	res, err := l.client.Eval(ctx, renewScript, []string{lockKeyPrefix + resource}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", resource, err)
	}
	return res == 1, nil
}

// Release drops the lock if owner still holds it.
func (l *RedisLock) Release(ctx context.Context, resource, owner string) error {
	resource, owner, _, err := normalize(resource, owner, defaultTTL)
	if err != nil {
		return err
	}
	if _, err := l.client.Eval(ctx, releaseScript, []string{lockKeyPrefix + resource}, owner).Result(); err != nil {
		return fmt.Errorf("release lock %s: %w", resource, err)
	}
	return nil
}

func normalize(resource, owner string, ttl time.Duration) (string, string, time.Duration, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", 0, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return resource, owner, ttl, nil
}
