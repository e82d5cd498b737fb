package geo

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "geo:ip:"

// RedisCache is a Cache backed by Redis string keys.
type RedisCache struct {
	rdb redis.UniversalClient
}

// NewRedisCache returns a cache that stores locations in rdb.
func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, cacheKeyPrefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip, location string, ttl time.Duration) error {
	return c.rdb.Set(ctx, cacheKeyPrefix+ip, location, ttl).Err()
}
