package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wb-go/wbf/retry"
)

const scanBatch = 500

type RedisStorage struct {
	client   *redis.Client
	strategy retry.Strategy
}

// NewRedisStorage connects to Redis and pings it with the connect strategy
// before returning.
func NewRedisStorage(ctx context.Context, opts *redis.Options, strategy retry.Strategy) (*RedisStorage, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connectStrategy := retry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}

	err := retry.DoContext(ctx, connectStrategy, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("connected to redis")

	return NewRedisStorageFromClient(client, strategy), nil
}

func NewRedisStorageFromClient(client *redis.Client, strategy retry.Strategy) *RedisStorage {
	if strategy.Attempts <= 0 {
		strategy.Attempts = 1
	}
	return &RedisStorage{client: client, strategy: strategy}
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.DoContext(ctx, s.strategy, func() error {
		result, getErr := s.client.Get(ctx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			data = nil
			return nil
		}
		if getErr != nil {
			return getErr
		}
		data = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := retry.DoContext(ctx, s.strategy, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	err := retry.DoContext(ctx, s.strategy, func() error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large keyspaces do not block Redis.
func (s *RedisStorage) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
