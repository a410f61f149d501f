package presence

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test users live in a high id range so a shared Redis is left alone.
const testUserBase int64 = 9_000_000

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for i := int64(0); i < 10; i++ {
			id := strconv.FormatInt(testUserBase+i, 10)
			client.Del(ctx, CachePrefix+id)
			client.ZRem(ctx, OnlineKey, id)
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRedisCache(client)
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	line := "lunch"
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Put(ctx, User{
		ID: testUserBase, Username: "ana", DisplayName: "Ana",
		IsOnline: true, LastSeen: seen, Status: StatusDND, StatusMessage: &line,
	}))

	got, err := c.Get(ctx, testUserBase)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ana", got.Username)
	assert.True(t, got.IsOnline)
	assert.Equal(t, StatusDND, got.Status)
	assert.True(t, seen.Equal(got.LastSeen))
	require.NotNil(t, got.StatusMessage)
	assert.Equal(t, "lunch", *got.StatusMessage)
}

func TestCache_Miss(t *testing.T) {
	c := newTestCache(t)

	got, err := c.Get(context.Background(), testUserBase+1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_OnlineSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.Put(ctx, User{ID: testUserBase + 2, IsOnline: true, LastSeen: now, Status: StatusOnline}))
	require.NoError(t, c.Put(ctx, User{ID: testUserBase + 3, IsOnline: true, LastSeen: now.Add(-time.Hour), Status: StatusOnline}))

	ids, err := c.Online(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, testUserBase+2)
	assert.NotContains(t, ids, testUserBase+3)

	require.NoError(t, c.Refresh(ctx, []int64{testUserBase + 3}, now))
	ids, err = c.Online(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, testUserBase+3)

	require.NoError(t, c.Put(ctx, User{ID: testUserBase + 2, IsOnline: false, LastSeen: now, Status: StatusOffline}))
	ids, err = c.Online(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, ids, testUserBase+2)
}

func TestCache_Prune(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.Refresh(ctx, []int64{testUserBase + 4}, now.Add(-10*time.Minute)))
	require.NoError(t, c.Prune(ctx, now.Add(-5*time.Minute)))

	ids, err := c.Online(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, ids, testUserBase+4)
}
