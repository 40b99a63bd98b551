package predictor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "cowcheck:prediction:"

// Cache abstracts the Redis operations used by the caching client.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get reads a value from Redis. A miss is reported as redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// CachedClient remembers successful outcomes by image digest and collapses
// concurrent predictions of the same image into one upstream call. Failures
// are never cached, so a failed image is attempted again on the next run.
type CachedClient struct {
	next        Client
	cache       Cache
	ttl         time.Duration
	callTimeout time.Duration
	group       singleflight.Group
	logger      *zap.Logger
}

// CacheOption configures a CachedClient.
type CacheOption func(*CachedClient)

// WithCallTimeout bounds the shared upstream call. It defaults to 30s.
func WithCallTimeout(d time.Duration) CacheOption {
	return func(c *CachedClient) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewCachedClient decorates next with cache.
func NewCachedClient(next Client, cache Cache, ttl time.Duration, logger *zap.Logger, opts ...CacheOption) *CachedClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &CachedClient{
		next:        next,
		cache:       cache,
		ttl:         ttl,
		callTimeout: 30 * time.Second,
		logger:      logger.Named("predictor_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Predict serves image from cache or from the wrapped client.
func (c *CachedClient) Predict(ctx context.Context, image []byte) (Outcome, error) {
	key := CacheKey(image)

	cached, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var out Outcome
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			if out, err = out.Normalize(); err == nil {
				return out, nil
			}
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("prediction cache read failed", zap.Error(err), zap.String("key", key))
	}

	// The shared call is detached from caller cancellation; each caller
	// stops waiting on its own ctx.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()

		out, err := c.next.Predict(callCtx, image)
		if err != nil {
			return Outcome{}, err
		}
		if payload, err := json.Marshal(out); err == nil {
			if err := c.cache.Set(callCtx, key, string(payload), c.ttl); err != nil {
				c.logger.Warn("prediction cache write failed", zap.Error(err), zap.String("key", key))
			}
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		return res.Val.(Outcome), nil
	}
}

// CacheKey derives the cache key for image.
func CacheKey(image []byte) string {
	sum := sha1.Sum(image)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
