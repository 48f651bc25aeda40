// Package cache implements the dependency/prompt cache: a shared Redis store
// when configured, falling back transparently to a bounded in-process TTL map.
// Callers never special-case availability — every operation degrades to the
// local layer (and ultimately to a miss) on backend errors.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds entry lifetime when the caller passes no TTL. Explicit
// invalidation from administrative operations remains the primary mechanism;
// the TTL is the backstop.
const DefaultTTL = time.Hour

// Cache is the contract the orchestrator and invalidation hooks depend on.
type Cache interface {
	// Get unmarshals the entry at key into dest. Returns false on miss.
	Get(ctx context.Context, key string, dest any) bool
	// Set stores value under key for ttl (DefaultTTL when ttl <= 0).
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	// Delete removes an entry. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string)
	// HashSet stores a field inside the hash map at mapKey.
	HashSet(ctx context.Context, mapKey, field string, value any)
	// HashGet unmarshals one hash field into dest. Returns false on miss.
	HashGet(ctx context.Context, mapKey, field string, dest any) bool
	// HashDelete removes a single hash field, or the whole hash when field
	// is empty.
	HashDelete(ctx context.Context, mapKey, field string)
}

// Layered is the Redis-backed Cache with local fallback. The local layer is
// always written so a Redis outage degrades to recent process-local state
// rather than hard misses.
type Layered struct {
	prefix string
	ttl    time.Duration
	local  *localStore
	client *redis.Client
}

// Option configures a Layered cache.
type Option func(*Layered)

// WithRedis attaches a shared Redis backend. An empty URL leaves the cache
// purely local.
func WithRedis(url string) Option {
	return func(c *Layered) {
		if url == "" {
			return
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			slog.Warn("cache: invalid redis url, using local store only", "error", err)
			return
		}
		c.client = redis.NewClient(opts)
	}
}

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Layered) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New builds a Layered cache. prefix namespaces all keys (multi-tenant
// deployments share one Redis).
func New(prefix string, opts ...Option) *Layered {
	c := &Layered{
		prefix: prefix,
		ttl:    DefaultTTL,
		local:  newLocalStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Layered) key(key string) string {
	return c.prefix + ":" + key
}

func (c *Layered) hashField(mapKey, field string) string {
	return c.key(mapKey) + "\x00" + field
}

func (c *Layered) resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.ttl
	}
	return ttl
}

func (c *Layered) Get(ctx context.Context, key string, dest any) bool {
	k := c.key(key)
	if c.client != nil {
		raw, err := c.client.Get(ctx, k).Bytes()
		switch {
		case err == nil:
			return json.Unmarshal(raw, dest) == nil
		case err != redis.Nil:
			slog.Error("cache: redis get failed", "key", k, "error", err)
		}
	}
	raw, ok := c.local.get(k)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (c *Layered) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Error("cache: marshal failed", "key", key, "error", err)
		return
	}
	k := c.key(key)
	d := c.resolveTTL(ttl)
	if c.client != nil {
		if err := c.client.Set(ctx, k, raw, d).Err(); err != nil {
			slog.Error("cache: redis set failed", "key", k, "error", err)
		}
	}
	c.local.set(k, raw, d)
}

func (c *Layered) Delete(ctx context.Context, key string) {
	k := c.key(key)
	if c.client != nil {
		if err := c.client.Del(ctx, k).Err(); err != nil {
			slog.Error("cache: redis delete failed", "key", k, "error", err)
		}
	}
	c.local.delete(k)
}

func (c *Layered) HashSet(ctx context.Context, mapKey, field string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Error("cache: marshal failed", "key", mapKey, "field", field, "error", err)
		return
	}
	k := c.key(mapKey)
	if c.client != nil {
		pipe := c.client.Pipeline()
		pipe.HSet(ctx, k, field, raw)
		pipe.Expire(ctx, k, c.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Error("cache: redis hset failed", "key", k, "field", field, "error", err)
		}
	}
	c.local.set(c.hashField(mapKey, field), raw, c.ttl)
}

func (c *Layered) HashGet(ctx context.Context, mapKey, field string, dest any) bool {
	if c.client != nil {
		raw, err := c.client.HGet(ctx, c.key(mapKey), field).Bytes()
		switch {
		case err == nil:
			return json.Unmarshal(raw, dest) == nil
		case err != redis.Nil:
			slog.Error("cache: redis hget failed", "key", c.key(mapKey), "field", field, "error", err)
		}
	}
	raw, ok := c.local.get(c.hashField(mapKey, field))
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (c *Layered) HashDelete(ctx context.Context, mapKey, field string) {
	k := c.key(mapKey)
	if c.client != nil {
		var err error
		if field == "" {
			err = c.client.Del(ctx, k).Err()
		} else {
			err = c.client.HDel(ctx, k, field).Err()
		}
		if err != nil {
			slog.Error("cache: redis hdel failed", "key", k, "field", field, "error", err)
		}
	}
	if field == "" {
		c.local.deletePrefix(k + "\x00")
		c.local.delete(k)
		return
	}
	c.local.delete(c.hashField(mapKey, field))
}
