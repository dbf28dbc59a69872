// Package ratelimit throttles chat sends per user with Redis fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace    = "cd"
	rateLimitPrefix = "rate_limit"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	TxPipelined(context.Context, func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Limiter allows at most limit events per scope within each window.
type Limiter struct {
	store  cmdable
	raw    *redis.Client
	limit  int64
	window time.Duration
}

type Config struct {
	URL    string
	Limit  int64
	Window time.Duration
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Limiter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", cfg.Limit, cfg.Window)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Limiter{store: raw, raw: raw, limit: cfg.Limit, window: cfg.Window}, nil
}

// Allow counts one event for scope and reports whether it fits the window.
// The window key is created with its TTL and incremented in one MULTI, so a
// counter can never outlive its window.
func (l *Limiter) Allow(ctx context.Context, scope string) (bool, error) {
	if l == nil || l.store == nil {
		return true, nil
	}
	key := l.key(scope)
	var incr *redis.IntCmd
	_, err := l.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, l.window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("count %s: %w", key, err)
	}
	return incr.Val() <= l.limit, nil
}

func (l *Limiter) Ping(ctx context.Context) error {
	if l == nil || l.store == nil {
		return errors.New("redis client not initialized")
	}
	return l.store.Ping(ctx).Err()
}

func (l *Limiter) Close() error {
	if l == nil || l.raw == nil {
		return nil
	}
	return l.raw.Close()
}

func (l *Limiter) key(scope string) string {
	parts := []string{keyNamespace, rateLimitPrefix}
	for _, part := range strings.Split(scope, ":") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ":")
}
