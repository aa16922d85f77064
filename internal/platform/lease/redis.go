package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still belongs to the caller.
const releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// client is the subset of redis.Cmdable the lease needs.
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLease hands out owner-tagged keys with a TTL so one process drives each order saga.
type RedisLease struct {
	client client
}

// NewRedisLease wraps an existing client. The caller owns the client lifecycle.
func NewRedisLease(c redis.Cmdable) (*RedisLease, error) {
	if c == nil {
		return nil, errors.New("redis lease: client is required")
	}
	return &RedisLease{client: c}, nil
}

// Acquire sets key to owner when absent. Re-acquiring a key the owner already holds succeeds.
func (l *RedisLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
	if key == "" || owner == "" {
		return false, errors.New("redis lease: key and owner are required")
	}
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease: setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	current, err := l.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis lease: get %s: %w", key, err)
	}
	return current == owner, nil
}

// Release drops the key if owner still holds it.
func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis lease: release %s: %w", key, err)
	}
	return nil
}

// Ping reports whether the server is reachable; it backs the readiness probe.
func Ping(ctx context.Context, c redis.Cmdable) error {
	return c.Ping(ctx).Err()
}
