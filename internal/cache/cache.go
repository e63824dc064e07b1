package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"digital-goods-market/internal/config"
)

// ErrCacheMiss is returned when a key is absent. Readers fall through to
// the authoritative store and refill.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a thin typed wrapper over the Redis client.
type Cache struct {
	rdb     *redis.Client
	userTTL time.Duration
	soldTTL time.Duration
	logger  zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return &Cache{rdb: rdb, userTTL: cfg.UserTTL, soldTTL: cfg.SoldTTL, logger: logger}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error { return c.rdb.Close() }

// UserTTL is the bounded lifetime of user projections.
func (c *Cache) UserTTL() time.Duration { return c.userTTL }

// SoldTTL is the bounded lifetime of sold-item projections.
func (c *Cache) SoldTTL() time.Duration { return c.soldTTL }

// SetJSON stores a JSON projection under key. ttl 0 means no expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads a JSON projection. Returns ErrCacheMiss when absent.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete removes keys in one pipeline call.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeletePattern scans for keys matching pattern and deletes them in a
// pipeline. Covers the per-language fans of an entity.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	pipe := c.rdb.Pipeline()
	n := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		n++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	if n == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete pattern %s: %w", pattern, err)
	}
	return nil
}
