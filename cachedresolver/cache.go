package cachedresolver

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-redis/cache/v8"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"mediaresolver"
)

// redisCacheVersion is baked into every key so that incompatible
// changes to the Result type invalidate old entries instead of failing
// to decode.
const redisCacheVersion = "1"

var tracer = otel.Tracer("mediaresolver/cachedresolver")

// Cache is a generic cache interface.
type Cache interface {
	Add(ctx context.Context, key string, value mediaresolver.Result)
	Get(ctx context.Context, key string) (value mediaresolver.Result, ok bool)
	Name() string
}

// RedisCache caches results in redis.
type RedisCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

var _ Cache = &RedisCache{} // RedisCache implements Cache

// NewRedisCache creates a new RedisCache whose entries will expire
// after the given TTL.
func NewRedisCache(cache *cache.Cache, ttl time.Duration) *RedisCache {
	return &RedisCache{
		cache: cache,
		ttl:   ttl,
	}
}

// Add adds a Result to the cache.
func (c *RedisCache) Add(ctx context.Context, key string, value mediaresolver.Result) {
	ctx, span := tracer.Start(ctx, "cache.add")
	defer span.End()
	span.SetAttributes(
		attribute.String("cache.name", c.Name()),
		attribute.String("cache.key", key),
	)

	err := c.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(key),
		Value: value,
		TTL:   c.ttl,
	})
	if err != nil {
		span.RecordError(err)
	}
}

// Get gets a Result from the cache, returning a bool indicating whether
// it was present.
func (c *RedisCache) Get(ctx context.Context, key string) (mediaresolver.Result, bool) {
	ctx, span := tracer.Start(ctx, "cache.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("cache.name", c.Name()),
		attribute.String("cache.key", key),
	)

	var result mediaresolver.Result
	if err := c.cache.Get(ctx, redisCacheKey(key), &result); err != nil {
		if err != cache.ErrCacheMiss {
			span.RecordError(err)
		}
		return mediaresolver.Result{}, false
	}
	return result, true
}

// Name returns the name of the cache, for instrumentation purposes.
func (c *RedisCache) Name() string {
	return "redis"
}

func redisCacheKey(key string) string {
	return fmt.Sprintf("cache:%s:%x", redisCacheVersion, sha256.Sum256([]byte(key)))
}

// MemoryCache caches results in process memory. It backs deployments
// that have no redis available.
type MemoryCache struct {
	cache *lru.ARCCache
}

var _ Cache = &MemoryCache{} // MemoryCache implements Cache

// NewMemoryCache creates a MemoryCache holding at most size results.
func NewMemoryCache(size int) (*MemoryCache, error) {
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache}, nil
}

// Add adds a Result to the cache, evicting an old entry if necessary.
func (c *MemoryCache) Add(ctx context.Context, key string, value mediaresolver.Result) {
	c.cache.Add(key, value)
}

// Get gets a Result from the cache, returning a bool indicating whether
// it was present.
func (c *MemoryCache) Get(ctx context.Context, key string) (mediaresolver.Result, bool) {
	if val, ok := c.cache.Get(key); ok {
		return val.(mediaresolver.Result), true
	}
	return mediaresolver.Result{}, false
}

// Name returns the name of the cache, for instrumentation purposes.
func (c *MemoryCache) Name() string {
	return "memory"
}
