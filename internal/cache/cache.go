package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"memtier/internal/config"
)

// ContextCache is the short-TTL read cache for bulk context lookups, the
// only shared mutable state between ranking requests. Writes that affect a
// key invalidate it synchronously before the write is acknowledged.
type ContextCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewContextCache creates the cache client from config.
func NewContextCache(cfg *config.Config) *ContextCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &ContextCache{rdb: rdb, ttl: cfg.Retrieval.CacheTTL()}
}

// NewContextCacheWithClient wraps an existing redis client (tests).
func NewContextCacheWithClient(rdb *redis.Client, ttl time.Duration) *ContextCache {
	return &ContextCache{rdb: rdb, ttl: ttl}
}

// Redis exposes the underlying client for the organic-recall dedup set.
func (c *ContextCache) Redis() *redis.Client { return c.rdb }

// ContextKey is the cache key for one user+conversation prefetch.
func ContextKey(userID, conversationID string) string {
	return fmt.Sprintf("memctx:%s:%s", userID, conversationID)
}

// userPattern matches every cached context for one user.
func userPattern(userID string) string {
	return fmt.Sprintf("memctx:%s:*", userID)
}

// Get loads a cached value into v. Returns false on miss; cache errors are
// logged and reported as misses so a flaky cache never fails a request.
func (c *ContextCache) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		log.Printf("[Cache] Get %s failed: %v (treating as miss)", key, err)
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Printf("[Cache] Malformed cached value at %s: %v (treating as miss)", key, err)
		return false, nil
	}
	return true, nil
}

// Set stores v under key with the configured TTL.
func (c *ContextCache) Set(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

// InvalidateUser synchronously drops every cached context for a user.
// Called before any mutating operation acknowledges success, so there is
// no stale-read window after a write.
func (c *ContextCache) InvalidateUser(ctx context.Context, userID string) error {
	return c.invalidatePattern(ctx, userPattern(userID))
}

// InvalidateAll drops every cached context. Used when a global input to
// ranking changes (effectiveness counters).
func (c *ContextCache) InvalidateAll(ctx context.Context) error {
	return c.invalidatePattern(ctx, "memctx:*")
}

func (c *ContextCache) invalidatePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
