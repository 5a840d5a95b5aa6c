package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Cache is the TTL cache in front of the assignment database.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// RedisCache shares the lock backend's Redis instance for cached rows.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading cache")
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrap(c.client.Set(ctx, key, value, ttl).Err(), "writing cache")
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, errors.Wrap(err, "deleting cache key")
		}
		removed++
	}
	return removed, errors.Wrap(iter.Err(), "scanning cache keys")
}

// MapCache is an in-process Cache for tests and Redis-less deployments.
type MapCache struct {
	mu      sync.Mutex
	entries map[string]mapEntry
}

type mapEntry struct {
	value   string
	expires time.Time
}

func NewMapCache() *MapCache {
	return &MapCache{entries: make(map[string]mapEntry)}
}

func (c *MapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *MapCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = mapEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (c *MapCache) DeletePattern(_ context.Context, pattern string) (int, error) {
	// Patterns are only ever "model:*:assignments"; a prefix match is enough.
	prefix := pattern
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		prefix = pattern[:i]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}
