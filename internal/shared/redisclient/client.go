// Package redisclient wraps the redis connection used for per-user rate
// limiting and readiness checks.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping verifies the connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CheckRateLimit enforces a fixed one-minute window per user. It reports
// whether the request is over the limit, how many requests remain in the
// window, and how long until the window resets.
func (c *Client) CheckRateLimit(ctx context.Context, userID string, limit int) (bool, int, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:user:%s", userID)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, 0, err
	}

	// First request in this window starts the clock.
	if count == 1 {
		if err := c.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			return false, 0, 0, err
		}
	}

	if count > int64(limit) {
		ttl, err := c.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = time.Minute
		}
		return true, 0, ttl, nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return false, remaining, 0, nil
}
