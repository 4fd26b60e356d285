package progress

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore persists progress records in Redis with a bounded lifetime, so
// API replicas other than the one running the worker can serve fresh
// percentages.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// RedisStoreConfig configures the shared progress cache.
type RedisStoreConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(cfg.Username),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreFromClient wraps an existing client, sharing the connection
// pool with other Redis users in the process.
func NewRedisStoreFromClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) SetProgress(ctx context.Context, videoID string, percent int) error {
	if strings.TrimSpace(videoID) == "" {
		return nil
	}
	err := s.client.Set(ctx, keyPrefix+videoID, strconv.Itoa(clampPercent(percent)), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("set progress for %s: %w", videoID, err)
	}
	return nil
}

func (s *RedisStore) GetProgress(ctx context.Context, videoID string) (int, bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+videoID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get progress for %s: %w", videoID, err)
	}
	percent, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, nil
	}
	return clampPercent(percent), true, nil
}

func (s *RedisStore) DeleteProgress(ctx context.Context, videoID string) error {
	if err := s.client.Del(ctx, keyPrefix+videoID).Err(); err != nil {
		return fmt.Errorf("delete progress for %s: %w", videoID, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
