package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
)

// Cache stores a marshaled aggregated-list response, keyed by method and
// registry generation (spec §4.1 "cache the aggregated result keyed by
// generation").
type Cache interface {
	Get(ctx context.Context, method string, gen vmcp.Generation) (json.RawMessage, bool)
	Set(ctx context.Context, method string, gen vmcp.Generation, value json.RawMessage) error
}

// DefaultTTL is the aggregated-list cache lifetime (10 minutes). A caller
// of NewInMemoryCache or NewRedisCache may pass another TTL; server.New
// builds its aggregation Service without a Cache, so the served lists
// always use DefaultTTL and the config's aggregation.cacheTtl is not read.
const DefaultTTL = 10 * time.Minute

func cacheKey(method string, gen vmcp.Generation) string {
	return fmt.Sprintf("agg:%s:%d", method, gen)
}

// RedisCache backs the cache with go-redis, so a generation bump is a
// natural cache miss: the new generation's key has never been written, and
// the old generation's key is left to expire on its own TTL rather than
// requiring an explicit delete (spec §4.1 "invalidate immediately on
// generation change").
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps client with ttl (DefaultTTL if zero).
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, method string, gen vmcp.Generation) (json.RawMessage, bool) {
	val, err := c.client.Get(ctx, cacheKey(method, gen)).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, method string, gen vmcp.Generation, value json.RawMessage) error {
	return c.client.Set(ctx, cacheKey(method, gen), []byte(value), c.ttl).Err()
}

var _ Cache = (*RedisCache)(nil)

// InMemoryCache is a process-local fallback for deployments without Redis
// configured; it honors the same generation-keyed, TTL-expiring contract.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]inMemoryEntry
	ttl     time.Duration
}

type inMemoryEntry struct {
	value   json.RawMessage
	expires time.Time
}

// NewInMemoryCache constructs an InMemoryCache with ttl (DefaultTTL if zero).
func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryCache{entries: make(map[string]inMemoryEntry), ttl: ttl}
}

func (c *InMemoryCache) Get(_ context.Context, method string, gen vmcp.Generation) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(method, gen)]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, cacheKey(method, gen))
		return nil, false
	}
	return e.value, true
}

func (c *InMemoryCache) Set(_ context.Context, method string, gen vmcp.Generation, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(method, gen)] = inMemoryEntry{value: value, expires: time.Now().Add(c.ttl)}
	return nil
}

var _ Cache = (*InMemoryCache)(nil)
