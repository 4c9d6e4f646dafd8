package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes every cursor key.
const RedisKeyPrefix = "rollbar:cursor:"

// RedisStore keeps cursors as JSON values in Redis. Keys never expire.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: client}
}

// RedisKey returns the key the cursor for counter is stored under.
func RedisKey(counter int64) string {
	return RedisKeyPrefix + strconv.FormatInt(counter, 10)
}

func (s *RedisStore) Load(ctx context.Context, counter int64) (Cursor, bool, error) {
	data, err := s.redis.Get(ctx, RedisKey(counter)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, fmt.Errorf("redis get cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	return c, true, nil
}

func (s *RedisStore) Save(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := s.redis.Set(ctx, RedisKey(c.ProjectCounter), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, counter int64) error {
	if err := s.redis.Del(ctx, RedisKey(counter)).Err(); err != nil {
		return fmt.Errorf("redis del cursor: %w", err)
	}
	return nil
}
