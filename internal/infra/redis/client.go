package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection used by the dead letter archive.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"` // 0 = keep until pruned
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewClientFrom(rdb, cfg.KeyPrefix), nil
}

// NewClientFrom wraps an existing connection.
func NewClientFrom(rdb redis.UniversalClient, prefix string) *Client {
	if prefix == "" {
		prefix = "retryq"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) indexKey() string {
	return fmt.Sprintf("%s:dead_letters", c.prefix)
}

func (c *Client) letterKey(id string) string {
	return fmt.Sprintf("%s:dead_letter:%s", c.prefix, id)
}
