package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStateStore implements StateStore for Redis. Keys are namespaced with
// prefix so several replicas can share one instance.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStateStore connects to Redis and verifies the connection
func NewRedisStateStore(host string, port int, password string, db int, prefix string, logger *zap.Logger) (*RedisStateStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis state store", zap.String("addr", addr), zap.String("prefix", prefix))
	return NewRedisStateStoreWithClient(client, prefix, logger), nil
}

// NewRedisStateStoreWithClient wraps an existing client.
func NewRedisStateStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStateStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStateStore) Load(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load state %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal state %s: %w", key, err)
	}
	return true, nil
}

// Save stores v without expiry.
func (s *RedisStateStore) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state %s: %w", key, err)
	}
	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

// Ping checks the Redis connection
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
