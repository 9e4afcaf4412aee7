package aggregator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(client, DefaultTTL)
}

func TestRedisCache_MissThenHit(t *testing.T) {
	t.Parallel()

	cache := newTestRedisCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "tools/list", 1)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "tools/list", 1, []byte(`[{"name":"echo"}]`)))

	val, ok := cache.Get(ctx, "tools/list", 1)
	require.True(t, ok)
	assert.JSONEq(t, `[{"name":"echo"}]`, string(val))
}

func TestRedisCache_GenerationBumpIsACacheMiss(t *testing.T) {
	t.Parallel()

	cache := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "tools/list", 1, []byte(`[]`)))

	_, ok := cache.Get(ctx, "tools/list", 2)
	assert.False(t, ok, "a new generation must not see the previous generation's cached entry")
}

func TestInMemoryCache_MissThenHit(t *testing.T) {
	t.Parallel()

	cache := NewInMemoryCache(DefaultTTL)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "tools/list", 1)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "tools/list", 1, []byte(`[{"name":"echo"}]`)))

	val, ok := cache.Get(ctx, "tools/list", 1)
	require.True(t, ok)
	assert.JSONEq(t, `[{"name":"echo"}]`, string(val))
}

func TestInMemoryCache_NonPositiveTTLFallsBackToDefault(t *testing.T) {
	t.Parallel()

	cache := NewInMemoryCache(-1)
	assert.Equal(t, DefaultTTL, cache.ttl)
}
