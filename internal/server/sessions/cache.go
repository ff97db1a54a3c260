package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache is the fast TTL tier in front of the durable session table. It only
// ever sees sealed bytes.
type Cache interface {
	Get(ctx context.Context, userID int64) ([]byte, bool, error)
	Set(ctx context.Context, userID int64, sealed []byte, ttl time.Duration) error
	Delete(ctx context.Context, userID int64) error
}

const redisKeyPrefix = "chanvault:session:"

// RedisCache keeps sealed sessions in Redis so that several server replicas
// share one fast tier.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCache) Get(ctx context.Context, userID int64) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID int64, sealed []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKey(userID), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// LocalCache is the in-process fallback used when no Redis address is
// configured.
type LocalCache struct {
	c *gocache.Cache
}

func NewLocalCache(defaultTTL time.Duration) *LocalCache {
	return &LocalCache{c: gocache.New(defaultTTL, 2*defaultTTL)}
}

func (c *LocalCache) Get(_ context.Context, userID int64) ([]byte, bool, error) {
	v, ok := c.c.Get(strconv.FormatInt(userID, 10))
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (c *LocalCache) Set(_ context.Context, userID int64, sealed []byte, ttl time.Duration) error {
	c.c.Set(strconv.FormatInt(userID, 10), sealed, ttl)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, userID int64) error {
	c.c.Delete(strconv.FormatInt(userID, 10))
	return nil
}
