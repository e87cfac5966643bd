package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetNX(t *testing.T) {
	c := NewMemoryCache("storefront")
	ctx := context.Background()
	key := c.GenerateKey("webhook", "evt_1")
	assert.Equal(t, "storefront:webhook:evt_1", key)

	ok, err := c.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Delete(ctx, key))
	ok, err = c.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &memoryCache{items: map[string]entry{}, serviceName: "s", now: func() time.Time { return now }}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	now = now.Add(time.Minute)
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

// Runs against a real server when TEST_REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c := NewRedisCache(addr, "storefront-test")
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	key := c.GenerateKey("test", uuid.NewString())
	t.Cleanup(func() { _ = c.Delete(ctx, key) })

	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, v)

	ok, err := c.SetNX(ctx, key, "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetNX(ctx, key, "y", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
