package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared deployment backend. Expiry is enforced by the
// server, so it does not implement Purger.
type RedisStore struct {
	rdb *redis.Client
}

func OpenRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return unavailable("set", s.rdb.Set(ctx, key, value, redisTTL(ttl)).Err())
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", err)
	}
	for i, v := range vals {
		if i >= len(out) {
			break
		}
		switch x := v.(type) {
		case string:
			out[i] = append([]byte{}, x...)
		case []byte:
			out[i] = append([]byte{}, x...)
		}
	}
	return out, nil
}

// MSet writes all entries in one MULTI/EXEC so readers converge on the full mapping.
func (s *RedisStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	exp := redisTTL(ttl)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, exp)
		}
		return nil
	})
	return unavailable("mset", err)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("delete", err)
	}
	return int(n), nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
