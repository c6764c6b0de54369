package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the RetryStore interface
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a new Redis store. Keys expire after retention when it is positive.
func NewRedisStore(client *redis.Client, namespace string, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    namespace + ":retry:",
		retention: retention,
	}
}

// Get loads the retry state of wallet from Redis
func (s *RedisStore) Get(ctx context.Context, wallet string) (core.RetryState, error) {
	raw, err := s.client.Get(ctx, s.prefix+wallet).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.RetryState{}, nil
	}
	if err != nil {
		return core.RetryState{}, fmt.Errorf("failed to load retry state: %w", err)
	}

	var state core.RetryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return core.RetryState{}, fmt.Errorf("failed to decode retry state: %w", err)
	}
	return state, nil
}

// Set stores the retry state of wallet in Redis
func (s *RedisStore) Set(ctx context.Context, wallet string, state core.RetryState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode retry state: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+wallet, payload, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to store retry state: %w", err)
	}
	return nil
}

// Clear removes the retry state of wallet
func (s *RedisStore) Clear(ctx context.Context, wallet string) error {
	if err := s.client.Del(ctx, s.prefix+wallet).Err(); err != nil {
		return fmt.Errorf("failed to clear retry state: %w", err)
	}
	return nil
}

var _ ports.RetryStore = (*RedisStore)(nil)
