// Package storage provides the Redis-backed stores used by the harness:
// a string cache for resolved queue addresses and a dedupe store for
// processed message ids.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/our-edu/go-queue-harness/internal/contracts"
)

// Queue addresses rarely change
const defaultEntryTTL = 24 * time.Hour

// RedisCache implements contracts.Cache on a Redis client
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache creates a cache whose keys are namespaced under prefix
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisCache) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get returns the cached value, or "" when the key is absent
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Set stores value. A non-positive ttlSeconds uses the default entry TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttlSeconds int) error {
	ttl := defaultEntryTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	if err := c.client.Set(ctx, c.buildKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ contracts.Cache = (*RedisCache)(nil)
