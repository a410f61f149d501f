package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mute records live in Redis:
//
//	mute:<user_id>      reason, TTL = mute duration
//	offenses:<user_id>  counter, TTL = OffenseTTL from the first offense
const (
	MutePrefix    = "mute:"
	OffensePrefix = "offenses:"

	Mute15Min  = 15 * time.Minute // 1st offense
	Mute1Hour  = 1 * time.Hour    // 2nd offense
	Mute24Hour = 24 * time.Hour   // 3rd+ offense

	OffenseTTL = 24 * time.Hour
)

// MuteStore tracks users who may not send messages for a while.
type MuteStore struct {
	client *redis.Client
}

func NewMuteStore(client *redis.Client) *MuteStore {
	return &MuteStore{client: client}
}

func muteKey(userID int64) string    { return MutePrefix + strconv.FormatInt(userID, 10) }
func offenseKey(userID int64) string { return OffensePrefix + strconv.FormatInt(userID, 10) }

// IsMuted reports whether userID is muted and for how much longer. Redis
// errors are returned so the caller can fail open.
func (s *MuteStore) IsMuted(ctx context.Context, userID int64) (bool, time.Duration, error) {
	key := muteKey(userID)

	if err := s.client.Get(ctx, key).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return true, 0, nil
	}
	return true, ttl, nil
}

// Mute silences userID for d.
func (s *MuteStore) Mute(ctx context.Context, userID int64, d time.Duration, reason string) error {
	return s.client.Set(ctx, muteKey(userID), reason, d).Err()
}

func (s *MuteStore) Unmute(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, muteKey(userID)).Err()
}

func muteDuration(offenses int64) time.Duration {
	switch {
	case offenses <= 1:
		return Mute15Min
	case offenses == 2:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// Offenses returns the current offense count, 0 when none are recorded.
func (s *MuteStore) Offenses(ctx context.Context, userID int64) (int, error) {
	n, err := s.client.Get(ctx, offenseKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Escalate records an offense and mutes userID for 15m, 1h or 24h depending
// on how many offenses fell inside the last OffenseTTL. It returns the
// applied duration.
func (s *MuteStore) Escalate(ctx context.Context, userID int64, reason string) (time.Duration, error) {
	key := offenseKey(userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("moderation: escalate incr: %w", err)
	}
	// Fixed window: only the first offense sets the TTL.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseTTL).Err(); err != nil {
			return 0, fmt.Errorf("moderation: escalate expire: %w", err)
		}
	}

	d := muteDuration(count)
	if err := s.Mute(ctx, userID, d, reason); err != nil {
		return 0, fmt.Errorf("moderation: escalate mute: %w", err)
	}
	return d, nil
}
