package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mute tests use user ids from this range and clean them up afterwards.
const testUser int64 = 8_000_000

// newTestMuteStore requires a running Redis on localhost:6379.
func newTestMuteStore(t *testing.T) *MuteStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for i := int64(0); i < 10; i++ {
			client.Del(ctx, muteKey(testUser+i), offenseKey(testUser+i))
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewMuteStore(client)
}

func TestMuteDuration(t *testing.T) {
	cases := []struct {
		count    int64
		expected time.Duration
	}{
		{0, Mute15Min},
		{1, Mute15Min},
		{2, Mute1Hour},
		{3, Mute24Hour},
		{10, Mute24Hour},
	}
	for _, tc := range cases {
		if got := muteDuration(tc.count); got != tc.expected {
			t.Errorf("muteDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestIsMuted_NotMuted(t *testing.T) {
	store := newTestMuteStore(t)

	muted, remaining, err := store.IsMuted(context.Background(), testUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if muted || remaining != 0 {
		t.Errorf("expected not muted, got muted=%v remaining=%v", muted, remaining)
	}
}

func TestMuteAndUnmute(t *testing.T) {
	store := newTestMuteStore(t)
	ctx := context.Background()
	id := testUser + 1

	if err := store.Mute(ctx, id, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Mute() error: %v", err)
	}
	muted, remaining, err := store.IsMuted(ctx, id)
	if err != nil {
		t.Fatalf("IsMuted() error: %v", err)
	}
	if !muted {
		t.Fatal("expected muted=true")
	}
	if remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("expected remaining in (0,30s], got %v", remaining)
	}

	if err := store.Unmute(ctx, id); err != nil {
		t.Fatalf("Unmute() error: %v", err)
	}
	muted, _, _ = store.IsMuted(ctx, id)
	if muted {
		t.Error("expected not muted after Unmute()")
	}
}

func TestEscalate_Steps(t *testing.T) {
	store := newTestMuteStore(t)
	ctx := context.Background()
	id := testUser + 2

	want := []time.Duration{Mute15Min, Mute1Hour, Mute24Hour, Mute24Hour}
	for i, w := range want {
		d, err := store.Escalate(ctx, id, "blocked_keyword")
		if err != nil {
			t.Fatalf("Escalate() #%d error: %v", i+1, err)
		}
		if d != w {
			t.Errorf("offense %d: expected %v, got %v", i+1, w, d)
		}
	}

	count, err := store.Offenses(ctx, id)
	if err != nil {
		t.Fatalf("Offenses() error: %v", err)
	}
	if count != len(want) {
		t.Errorf("expected %d offenses, got %d", len(want), count)
	}

	muted, remaining, _ := store.IsMuted(ctx, id)
	if !muted {
		t.Fatal("expected muted after escalation")
	}
	if remaining < Mute24Hour-10*time.Second {
		t.Errorf("expected ~24h remaining, got %v", remaining)
	}
}

func TestOffenseCounterTTL(t *testing.T) {
	store := newTestMuteStore(t)
	ctx := context.Background()
	id := testUser + 3

	if _, err := store.Escalate(ctx, id, "x"); err != nil {
		t.Fatalf("Escalate() error: %v", err)
	}
	ttl, err := store.client.TTL(ctx, offenseKey(id)).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl < OffenseTTL-10*time.Second || ttl > OffenseTTL {
		t.Errorf("expected TTL ~24h, got %v", ttl)
	}
}
