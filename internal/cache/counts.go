// Package cache keeps per-target public comment counts in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline/api/internal/store"
)

const defaultTTL = 10 * time.Minute

// CommentCounts implements count caching using Redis
type CommentCounts struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCommentCounts connects to redisURL and checks the connection.
func NewCommentCounts(redisURL string, ttl time.Duration) (*CommentCounts, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCommentCountsWithClient(client, ttl), nil
}

func NewCommentCountsWithClient(client *redis.Client, ttl time.Duration) *CommentCounts {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &CommentCounts{
		client: client,
		prefix: "comment_count:",
		ttl:    ttl,
	}
}

func (c *CommentCounts) key(target store.Target) string {
	return c.prefix + target.String()
}

// Get returns the cached count and whether it was present.
func (c *CommentCounts) Get(ctx context.Context, target store.Target) (int64, bool, error) {
	n, err := c.client.Get(ctx, c.key(target)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get comment count: %w", err)
	}
	return n, true, nil
}

func (c *CommentCounts) Set(ctx context.Context, target store.Target, n int64) error {
	if err := c.client.Set(ctx, c.key(target), n, c.ttl).Err(); err != nil {
		return fmt.Errorf("set comment count: %w", err)
	}
	return nil
}

// Invalidate drops the cached count so the next read reloads it.
func (c *CommentCounts) Invalidate(ctx context.Context, target store.Target) error {
	if err := c.client.Del(ctx, c.key(target)).Err(); err != nil {
		return fmt.Errorf("invalidate comment count: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *CommentCounts) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *CommentCounts) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
