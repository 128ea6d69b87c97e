package linker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSeen is a SeenSet shared through Redis, so restarts and replicas do
// not repeat notices.
type RedisSeen struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeen creates a RedisSeen storing keys under prefix.
func NewRedisSeen(client *redis.Client, prefix string, ttl time.Duration) *RedisSeen {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &RedisSeen{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Seen implements SeenSet with SET NX EX.
func (s *RedisSeen) Seen(ctx context.Context, key string) (bool, error) {
	added, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record seen key: %w", err)
	}
	return !added, nil
}
