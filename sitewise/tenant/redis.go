package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sitewise:tenant:"

// RedisCache shares resolved sites across service replicas through Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("tenant: redis client is required")
	}

	return &RedisCache{client: client}, nil
}

// Get returns the cached site for key if present.
func (cache *RedisCache) Get(ctx context.Context, key string) (Site, bool, error) {
	raw, err := cache.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Site{}, false, nil
		}

		return Site{}, false, fmt.Errorf("redis get: %w", err)
	}

	var site Site
	if err := json.Unmarshal(raw, &site); err != nil {
		// A corrupt entry behaves like a miss; the next Set repairs it.
		return Site{}, false, nil
	}

	return site, true, nil
}

// Set stores site under key for ttl.
func (cache *RedisCache) Set(ctx context.Context, key string, site Site, ttl time.Duration) error {
	raw, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("marshal site: %w", err)
	}

	if err := cache.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes key.
func (cache *RedisCache) Delete(ctx context.Context, key string) error {
	if err := cache.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}
