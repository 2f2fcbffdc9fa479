package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, 10*time.Second)
	ctx := context.Background()
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	require.NoError(t, cache.StoreSent(ctx, "msg_1_346_abcd", "remote-123", sentAt))

	key := "receipt:msg_1_346_abcd"
	require.True(t, mr.Exists(key))
	assert.Positive(t, mr.TTL(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)

	var got Receipt
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "remote-123", got.RemoteMessageID)
	assert.True(t, got.SentAt.Equal(sentAt))
}

func TestRedisCache_StoreSent_OverwritesExistingValue(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.StoreSent(ctx, "m1", "first", time.Now()))
	require.NoError(t, cache.StoreSent(ctx, "m1", "second", time.Now().Add(time.Minute)))

	got, err := cache.Lookup(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.RemoteMessageID)
}

func TestRedisCache_LookupExpires(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.StoreSent(ctx, "m1", "r1", time.Now()))
	mr.FastForward(2 * time.Minute)

	_, err := cache.Lookup(ctx, "m1")
	assert.ErrorIs(t, err, ErrNoReceipt)
}

func TestRedisCache_LookupCorrupt(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Minute)
	require.NoError(t, mr.Set("receipt:m1", "not json"))

	_, err := cache.Lookup(context.Background(), "m1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoReceipt)
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, cache.StoreSent(ctx, "m1", "x", time.Now()))
}
