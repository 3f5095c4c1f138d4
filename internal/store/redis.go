package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// Counters are read with tonumber(...) or 0 so a malformed value behaves as
// zero inside the atomic scripts instead of failing the whole operation.
var (
	incrScript = redis.NewScript(`
local v = math.floor(tonumber(redis.call('GET', KEYS[1])) or 0) + 1
redis.call('SET', KEYS[1], v)
return v
`)

	decrFloorScript = redis.NewScript(`
local v = math.floor(tonumber(redis.call('GET', KEYS[1])) or 0)
if v <= 0 then
	redis.call('SET', KEYS[1], 0)
	return {0, 0}
end
v = v - 1
redis.call('SET', KEYS[1], v)
return {v, 1}
`)

	incrBelowScript = redis.NewScript(`
local v = math.floor(tonumber(redis.call('GET', KEYS[1])) or 0)
local limit = tonumber(ARGV[1])
if v >= limit then
	return {v, 0}
end
v = v + 1
redis.call('SET', KEYS[1], v)
return {v, 1}
`)
)

// RedisStore is a Store backed by Redis, usable from several processes at once.
type RedisStore struct {
	redis redis.UniversalClient
}

func NewRedisStore(redis redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: redis}
}

func (rs *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := rs.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rs.redis.Get(%s): %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, key, v)
	}
	return n, nil
}

func (rs *RedisStore) Set(ctx context.Context, key string, value int64) error {
	if err := rs.redis.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("rs.redis.Set(%s): %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := incrScript.Run(ctx, rs.redis, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr(%s): %w", key, err)
	}
	return n, nil
}

func (rs *RedisStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	res, err := decrFloorScript.Run(ctx, rs.redis, []string{key}).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("decrFloor(%s): %w", key, err)
	}
	return res[0], res[1] == 1, nil
}

func (rs *RedisStore) IncrBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	res, err := incrBelowScript.Run(ctx, rs.redis, []string{key}, limit).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("incrBelow(%s): %w", key, err)
	}
	return res[0], res[1] == 1, nil
}

func (rs *RedisStore) PushFront(ctx context.Context, key, value string) (int64, error) {
	n, err := rs.redis.LPush(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("rs.redis.LPush(%s): %w", key, err)
	}
	return n, nil
}

func (rs *RedisStore) PushFrontCapped(ctx context.Context, key, value string, max int64) error {
	pipe := rs.redis.TxPipeline()
	pipe.LPush(ctx, key, value)
	if max > 0 {
		pipe.LTrim(ctx, key, 0, max-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push capped(%s): %w", key, err)
	}
	return nil
}

func (rs *RedisStore) PopBack(ctx context.Context, key string) (string, bool, error) {
	v, err := rs.redis.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rs.redis.RPop(%s): %w", key, err)
	}
	return v, true, nil
}

func (rs *RedisStore) Range(ctx context.Context, key string, n int64) ([]string, error) {
	stop := n - 1
	if n < 0 {
		stop = -1
	}
	if n == 0 {
		return []string{}, nil
	}
	values, err := rs.redis.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("rs.redis.LRange(%s): %w", key, err)
	}
	return values, nil
}

func (rs *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := rs.redis.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rs.redis.LLen(%s): %w", key, err)
	}
	return n, nil
}

func (rs *RedisStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, err := rs.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rs.redis.Get(%s): %w", key, err)
	}
	return v, true, nil
}

func (rs *RedisStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := rs.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rs.redis.Set(%s): %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := rs.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("rs.redis.Del: %w", err)
	}
	return nil
}
