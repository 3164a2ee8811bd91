package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-duo-match/internal/registry"
	"github.com/koopa0/system-design/14-duo-match/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore 測試 Redis 儲存
func TestRedisStore(t *testing.T) {
	client := testutils.SetupRedis(t)
	store := registry.NewRedisStore(client, "test:code:")
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.Put(ctx, registry.Entry{Code: "AB12", RoomID: "room_a", CreatedAt: created}, time.Minute))

		e, ok, err := store.Get(ctx, "AB12")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "room_a", e.RoomID)
		assert.True(t, created.Equal(e.CreatedAt))

		ttl, err := client.PTTL(ctx, "test:code:AB12").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)
	})

	t.Run("missing code", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "NONE")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("compare and delete guards stale room", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, registry.Entry{Code: "CD34", RoomID: "room_new"}, time.Minute))

		deleted, err := store.CompareAndDelete(ctx, "CD34", "room_old")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = store.CompareAndDelete(ctx, "CD34", "room_new")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, ok, err := store.Get(ctx, "CD34")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("redis ttl expires entry", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, registry.Entry{Code: "EF56", RoomID: "room_x"}, 50*time.Millisecond))
		assert.Eventually(t, func() bool {
			_, ok, err := store.Get(ctx, "EF56")
			return err == nil && !ok
		}, 2*time.Second, 20*time.Millisecond)
	})
}

// TestRegistry_WithRedisStore 測試以 Redis 為後端的註冊表
func TestRegistry_WithRedisStore(t *testing.T) {
	client := testutils.SetupRedis(t)
	creator := &fakeCreator{}
	r := registry.New(registry.NewRedisStore(client, ""), creator, registry.Options{TTL: 100 * time.Millisecond}, testutils.Logger())
	t.Cleanup(r.Close)
	ctx := context.Background()

	first, err := r.Reserve(ctx, "AB12")
	require.NoError(t, err)
	again, err := r.Reserve(ctx, "ab12")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.Eventually(t, func() bool {
		n, err := client.Exists(ctx, registry.DefaultKeyPrefix+"AB12").Result()
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}
