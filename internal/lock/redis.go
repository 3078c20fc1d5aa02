package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vpagate/vpagate/internal/domain"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// script.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := newHandle(l.prefix+key, l.release)

	ok, err := l.client.SetNX(ctx, h.key, h.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: setnx %s: %v", domain.ErrLockUnavailable, h.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, h.key)
	}
	return h, nil
}

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	if err := compareAndDelete.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
