package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CachePrefix is the Redis key prefix for per-user presence hashes.
	CachePrefix = "presence:"

	// OnlineKey is the sorted set of online users scored by heartbeat time.
	OnlineKey = "presence:online"

	// CacheTTL bounds how long a mirrored row lives without being rewritten.
	CacheTTL = 1 * time.Hour
)

// cachedUser is the Redis hash layout of a mirrored User.
type cachedUser struct {
	ID            int64  `redis:"id"`
	Username      string `redis:"username"`
	DisplayName   string `redis:"display_name"`
	IsOnline      bool   `redis:"is_online"`
	LastSeen      int64  `redis:"last_seen"` // unix millis
	Status        string `redis:"status"`
	StatusMessage string `redis:"status_message"`
	HasMessage    bool   `redis:"has_message"`
}

// RedisCache is the Redis-backed Cache.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Put writes the user hash with a fresh TTL and adds or removes the user from
// the online set. An existing heartbeat is never moved backwards.
func (c *RedisCache) Put(ctx context.Context, u User) error {
	key := CachePrefix + strconv.FormatInt(u.ID, 10)

	fields := cachedUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		IsOnline:    u.IsOnline,
		LastSeen:    u.LastSeen.UnixMilli(),
		Status:      string(u.Status),
	}
	if u.StatusMessage != nil {
		fields.StatusMessage = *u.StatusMessage
		fields.HasMessage = true
	}

	member := strconv.FormatInt(u.ID, 10)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, CacheTTL)
	if u.IsOnline {
		pipe.ZAddArgs(ctx, OnlineKey, redis.ZAddArgs{
			GT:      true,
			Members: []redis.Z{{Score: float64(u.LastSeen.Unix()), Member: member}},
		})
	} else {
		pipe.ZRem(ctx, OnlineKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: cache put %d: %w", u.ID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, userID int64) (*User, error) {
	key := CachePrefix + strconv.FormatInt(userID, 10)

	var cu cachedUser
	if err := c.client.HGetAll(ctx, key).Scan(&cu); err != nil {
		return nil, fmt.Errorf("presence: cache get %d: %w", userID, err)
	}
	if cu.ID == 0 {
		return nil, nil
	}

	u := &User{
		ID:          cu.ID,
		Username:    cu.Username,
		DisplayName: cu.DisplayName,
		IsOnline:    cu.IsOnline,
		LastSeen:    time.UnixMilli(cu.LastSeen).UTC(),
		Status:      Status(cu.Status),
	}
	if cu.HasMessage {
		msg := cu.StatusMessage
		u.StatusMessage = &msg
	}
	return u, nil
}

func (c *RedisCache) Online(ctx context.Context, since time.Time) ([]int64, error) {
	members, err := c.client.ZRangeByScore(ctx, OnlineKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: cache online: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *RedisCache) Refresh(ctx context.Context, userIDs []int64, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]redis.Z, len(userIDs))
	for i, id := range userIDs {
		members[i] = redis.Z{Score: float64(at.Unix()), Member: strconv.FormatInt(id, 10)}
	}
	return c.client.ZAdd(ctx, OnlineKey, members...).Err()
}

func (c *RedisCache) Prune(ctx context.Context, before time.Time) error {
	return c.client.ZRemRangeByScore(ctx, OnlineKey, "-inf", "("+strconv.FormatInt(before.Unix(), 10)).Err()
}
