// Package redis backs the hot state shared with external consumers: the
// latest-tick mirror and the transition event bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection defaults. The tick mirror is latency-sensitive, so timeouts are
// kept short; a slow Redis degrades to dropped mirror writes, never to a
// stalled feed.
const (
	defaultPoolSize   = 8
	defaultMaxRetries = 3
	dialTimeout       = 5 * time.Second
	opTimeout         = 2 * time.Second
	pingTimeout       = 3 * time.Second
)

// ClientConfig holds connection parameters for the Redis client. Zero
// PoolSize and MaxRetries take the package defaults.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis Client with the connection policy above.
type Client struct {
	rdb *redis.Client
}

// New connects and verifies the connection with a bounded ping.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver client to the cache and bus in this
// package tree.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
