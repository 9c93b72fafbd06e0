package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayush/open-deep-research/internal/models"
)

const (
	stateKeyPrefix = "research:state:"
	usageKeyPrefix = "usage:"
)

// NewRedisClient creates and pings a Redis client with optional password auth.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// StateStore keeps intermediate pipeline data per research id.
type StateStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStateStore(rdb *redis.Client, ttl time.Duration) *StateStore {
	return &StateStore{rdb: rdb, ttl: ttl}
}

func stateKey(id string) string {
	return stateKeyPrefix + id
}

func (s *StateStore) Save(ctx context.Context, id string, state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Get returns ErrNotFound when no state is stored or it has expired.
func (s *StateStore) Get(ctx context.Context, id string) (*models.State, error) {
	data, err := s.rdb.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

func (s *StateStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, stateKey(id)).Err()
}

// UsageStore counts research starts per user per UTC day.
type UsageStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewUsageStore(rdb *redis.Client) *UsageStore {
	return &UsageStore{rdb: rdb, now: time.Now}
}

func usageKey(userID string, now time.Time) string {
	return usageKeyPrefix + userID + ":" + now.UTC().Format(time.DateOnly)
}

// NextReset is the UTC midnight after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func remaining(limit int, used int64) int {
	left := limit - int(used)
	if left < 0 {
		return 0
	}
	return left
}

// Consume takes one credit. ok is false when the limit is already reached,
// in which case nothing is consumed.
func (s *UsageStore) Consume(ctx context.Context, userID string, limit int) (models.Usage, bool, error) {
	now := s.now()
	key := usageKey(userID, now)
	reset := NextReset(now)

	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, reset)
		return nil
	})
	if err != nil {
		return models.Usage{}, false, fmt.Errorf("consume usage: %w", err)
	}

	used := incr.Val()
	if used > int64(limit) {
		if err := s.rdb.Decr(ctx, key).Err(); err != nil {
			return models.Usage{}, false, fmt.Errorf("rollback usage: %w", err)
		}
		return models.Usage{Remaining: 0, Limit: limit, ResetTime: reset}, false, nil
	}
	return models.Usage{Remaining: remaining(limit, used), Limit: limit, ResetTime: reset}, true, nil
}

// Refund gives back a credit taken by Consume.
func (s *UsageStore) Refund(ctx context.Context, userID string) error {
	key := usageKey(userID, s.now())
	n, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("refund usage: %w", err)
	}
	if n < 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return nil
}

// Usage reports the user's remaining credits for today.
func (s *UsageStore) Usage(ctx context.Context, userID string, limit int) (models.Usage, error) {
	now := s.now()
	used, err := s.rdb.Get(ctx, usageKey(userID, now)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Usage{}, fmt.Errorf("get usage: %w", err)
	}
	return models.Usage{Remaining: remaining(limit, used), Limit: limit, ResetTime: NextReset(now)}, nil
}
