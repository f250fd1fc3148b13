package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// RedisBackend shares window counters across nodes. The counter key gets
// its TTL on first increment; later hits in the window ride the same TTL.
type RedisBackend struct {
	client *goredis.Client
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(client *goredis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Incr(ctx context.Context, key string, cost int64, window time.Duration) (int64, time.Duration, error) {
	pipe := b.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, cost)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("rate limit incr: %w: %w", errdefs.ErrStoreUnavailable, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

func (b *RedisBackend) Decr(ctx context.Context, key string, cost int64) error {
	// Refund only while the window key exists; after expiry there is
	// nothing to give back.
	val, err := b.client.DecrBy(ctx, key, cost).Result()
	if err != nil {
		return fmt.Errorf("rate limit decr: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	if val < 0 {
		// Refund raced window expiry; drop the stray key rather than
		// leave a TTL-less counter behind.
		_ = b.client.Del(ctx, key).Err()
	}
	return nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
