package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eliteacai/cashback-engine/ledger"
)

type cmdable interface {
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	PTTL(context.Context, string) *redis.DurationCmd
	Del(context.Context, ...string) *redis.IntCmd
	Ping(context.Context) *redis.StatusCmd
}

// Redis holds guard keys in Redis so every API instance sees them.
type Redis struct {
	store cmdable
	raw   *redis.Client
}

// NewRedis parses url, connects and verifies connectivity.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{store: raw, raw: raw}, nil
}

func newRedisWith(store cmdable) *Redis {
	return &Redis{store: store}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return fmt.Errorf("guard setnx: %w", err)
	}
	if ok {
		return nil
	}

	remaining, err := r.store.PTTL(ctx, key).Result()
	if err != nil || remaining < 0 {
		remaining = ttl
	}
	return &ledger.DuplicateError{RetryAfter: remaining}
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.store.Del(ctx, key).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.store.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.raw == nil {
		return nil
	}
	return r.raw.Close()
}
