package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const acquireRetryInterval = 50 * time.Millisecond

// releaseScript deletes the lock only when the stored token matches, so a
// holder whose TTL already expired cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(addr string) (*RedisLocker, error) {
	const op = "lock.NewRedisLocker"

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &RedisLocker{client: client}, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (string, error) {
	const op = "lock.RedisLocker.Acquire"

	token := uuid.NewString()
	lockKey := fmt.Sprintf("lock:%s", key)
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}

		timer := time.NewTimer(acquireRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *RedisLocker) Release(ctx context.Context, key, token string) error {
	const op = "lock.RedisLocker.Release"

	lockKey := fmt.Sprintf("lock:%s", key)
	if err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}
