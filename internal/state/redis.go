package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// RedisStore persists the snapshot as a single JSON value under one key.
// Useful when the bot runs on ephemeral hosts without a durable filesystem.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// RedisConfig holds connection parameters for the Redis state backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisStore connects to Redis, pings it to verify connectivity, and
// returns the store.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("state: redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, key: cfg.Key}, nil
}

// Load reads the snapshot key. It returns domain.ErrNotFound when the key does
// not exist and domain.ErrStateCorrupt when the value cannot be decoded.
func (s *RedisStore) Load(ctx context.Context) (*domain.PositionState, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("state: redis get %s: %w", s.key, err)
	}

	var st domain.PositionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: decode snapshot %s: %w: %w", s.key, domain.ErrStateCorrupt, err)
	}
	if err := validate(&st); err != nil {
		return nil, fmt.Errorf("state: snapshot %s: %w: %w", s.key, domain.ErrStateCorrupt, err)
	}
	return &st, nil
}

// Save overwrites the snapshot key. A single SET is atomic from the reader's
// point of view.
func (s *RedisStore) Save(ctx context.Context, st *domain.PositionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("state: redis set %s: %w", s.key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
