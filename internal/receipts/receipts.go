// Package receipts remembers deliveries whose send succeeded, so a record
// that could not be marked DELIVERED (store outage, expired lease) is not
// sent a second time on its next reservation.
package receipts

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache interface {
	// Seen reports whether a receipt exists for key.
	Seen(ctx context.Context, key string) (bool, error)
	// Record stores a receipt for key.
	Record(ctx context.Context, key string, sentAt time.Time) error
}

// Nop is used when no cache is configured: nothing is ever seen.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error)       { return false, nil }
func (Nop) Record(context.Context, string, time.Time) error { return nil }

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type receipt struct {
	SentAt time.Time `json:"sentAt"`
}

func redisKey(key string) string { return "receipt:" + key }

func (c *RedisCache) Record(ctx context.Context, key string, sentAt time.Time) error {
	b, err := json.Marshal(receipt{SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, redisKey(key), b, c.ttl).Err()
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SentAt returns the recorded send time, or false when no receipt exists.
func (c *RedisCache) SentAt(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var r receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return time.Time{}, false, fmt.Errorf("decode receipt %s: %w", key, err)
	}
	return r.SentAt, true, nil
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

// Dial connects to redis://... or rediss://... and pings it.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second
	if opts.TLSConfig == nil && strings.HasPrefix(redisURL, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
