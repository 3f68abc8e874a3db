package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyPrefix = "idempotency:items:"

// RedisDeduper stores accepted Idempotency-Key values in Redis so every
// instance rejects a replayed create.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(key string) string {
	return idempotencyPrefix + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

// Remove releases a key so the client may retry after a failed create.
func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
