package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another request owns the critical section.
var ErrLockHeld = errors.New("critical section busy")

// OpeningBalanceLockKey builds redis keys for opening-balance critical sections.
func OpeningBalanceLockKey(tenantID string, year int) string {
	return fmt.Sprintf("fiscal:%s:%d:opening:lock", tenantID, year)
}

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

// RedisLocker provides best-effort mutual exclusion across instances.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker constructs a locker; ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes the lock or returns ErrLockHeld. The returned func releases it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}
