// Package redis provides a Redis implementation of billing.Ledger.
// Claims are keys written with SET NX and an expiry, so an abandoned claim frees itself.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements billing.Ledger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "reconciler:claim:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{KeyPrefix: "reconciler:claim:"}
}

// New creates a new Redis ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Ledger{client: client, config: config}, nil
}

// NewFromURL parses a redis:// URL and creates a ledger on a new client.
func NewFromURL(ctx context.Context, url string, config Config) (*Ledger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return New(client, config)
}

func (l *Ledger) key(k string) string {
	return l.config.KeyPrefix + k
}

// Claim implements billing.Ledger
func (l *Ledger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release implements billing.Ledger
func (l *Ledger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (l *Ledger) Close() error {
	return l.client.Close()
}
