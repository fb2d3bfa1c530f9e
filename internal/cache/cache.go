// Package cache keeps provider service metadata between runs so repeated
// runs against the same provider skip the discovery round trip.
// It supports both in-memory (single instance) and Redis (shared) backends.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, key string) (*domain.ProviderMetadata, bool)
	Set(ctx context.Context, key string, meta *domain.ProviderMetadata, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MetadataKey is the cache key for a provider. Provider addresses are
// case-insensitive hex, so the key is lowercased.
func MetadataKey(providerID string) string {
	return "provider:meta:" + strings.ToLower(providerID)
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	done  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	meta      domain.ProviderMetadata
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		done:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.ProviderMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}

	meta := item.meta
	meta.Models = append([]string(nil), item.meta.Models...)
	return &meta, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, meta *domain.ProviderMetadata, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem{meta: *meta, expiresAt: time.Now().Add(ttl)}
	item.meta.Models = append([]string(nil), meta.Models...)
	c.items[key] = item
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.ProviderMetadata, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var meta domain.ProviderMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false
	}

	return &meta, true
}

func (c *RedisCache) Set(ctx context.Context, key string, meta *domain.ProviderMetadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
