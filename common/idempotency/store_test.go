package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "fulfillment"), mr
}

func TestRedisStore_ReserveOnce(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("fulfillment:evt-1"))
}

func TestRedisStore_TTLAndRelease(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "payos-link:1001", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("fulfillment:payos-link:1001"))

	ok, err = store.Reserve(ctx, "payos-link:1001", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "payos-link:1001"))
	ok, err = store.Reserve(ctx, "payos-link:1001", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Reserve(context.Background(), "evt-2", time.Minute)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := store.Reserve(ctx, "shipment-booking:1001", time.Minute)
	assert.True(t, ok)
	ok, _ = store.Reserve(ctx, "shipment-booking:1001", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = store.Reserve(ctx, "shipment-booking:1001", time.Minute)
	assert.True(t, ok)

	ok, _ = store.Reserve(ctx, "evt", 0)
	assert.True(t, ok)
	now = now.Add(24 * time.Hour)
	ok, _ = store.Reserve(ctx, "evt", 0)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "evt"))
	ok, _ = store.Reserve(ctx, "evt", 0)
	assert.True(t, ok)
}
