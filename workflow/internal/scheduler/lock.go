package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants at most one holder per key until ttl expires.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLock is a Locker backed by SET NX. Locks are never released early:
// the key doubles as the record that the day's run has started.
type RedisLock struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	host, _ := os.Hostname()
	return &RedisLock{
		client: client,
		prefix: "caseflow:scheduler:",
		owner:  fmt.Sprintf("%s/%s", host, uuid.NewString()),
	}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Holder returns the owner recorded against key, or "" when it is free.
func (l *RedisLock) Holder(ctx context.Context, key string) (string, error) {
	owner, err := l.client.Get(ctx, l.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return owner, nil
}
