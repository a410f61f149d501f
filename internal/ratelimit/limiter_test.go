package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, testRule.Key+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zerolog.Nop()), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "a", testRule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := l.Allow(ctx, "a", testRule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identifiers have their own window.
	ok, err = l.Allow(ctx, "b", testRule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_SetsWindowTTL(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Allow(ctx, "ttl", testRule)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, testRule.Key+"ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, testRule.Window)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "r", testRule)
	require.NoError(t, err)
	assert.Equal(t, testRule.Limit, n)

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(ctx, "r", testRule)
	}
	n, err = l.Remaining(ctx, "r", testRule)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zerolog.Nop())

	ok, err := l.Allow(context.Background(), "x", testRule)
	assert.Error(t, err)
	assert.True(t, ok)
}
