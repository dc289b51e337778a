// Package cache holds recently read catalog records in Redis so repeated
// lookups skip the store.
//
// Writers never store records. They call Delete after the store write, which
// bumps a per-key version and drops the value. Readers take the version
// before reading the store and Fill only when it is unchanged, so a record
// read before a concurrent write never outlives it in the cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "musive:"
	DefaultTTL    = 5 * time.Minute
)

var (
	// ErrMiss is returned by Get when the key holds no value.
	ErrMiss = errors.New("cache: miss")
	// ErrStale is returned by Fill when the key was invalidated after the
	// version was taken.
	ErrStale = errors.New("cache: stale version")
)

// Cache stores JSON-encoded values by key.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	// Version reports the invalidation counter of key, zero when unset.
	Version(ctx context.Context, key string) (int64, error)
	// Fill stores value unless key moved past version.
	Fill(ctx context.Context, key string, version int64, value any) error
	// Delete drops the values and bumps the versions of keys.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Config selects the Redis deployment and how long records are kept.
type Config struct {
	Addrs    []string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Timeout  time.Duration
}

// RedisCache talks to a single node, a sentinel group or a cluster,
// depending on the addresses given.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis builds a RedisCache. It does not contact the server.
func NewRedis(cfg Config) (*RedisCache, error) {
	addrs := make([]string, 0, len(cfg.Addrs))
	for _, addr := range cfg.Addrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis address required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get decodes the value stored under key into dest.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.client.Get(ctx, c.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Version(ctx context.Context, key string) (int64, error) {
	version, err := c.client.Get(ctx, c.versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get version: %w", err)
	}
	return version, nil
}

// Fill watches the version key so a Delete racing with the write aborts it.
func (c *RedisCache) Fill(ctx context.Context, key string, version int64, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	versionKey := c.versionKey(key)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.valueKey(key), payload, c.ttl)
			return nil
		})
		return err
	}, versionKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale), errors.Is(err, redis.TxFailedErr):
		return ErrStale
	default:
		return fmt.Errorf("redis fill: %w", err)
	}
}

// Delete keeps version keys for twice the value TTL, longer than any read
// that could still be holding an older version.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		versionKey := c.versionKey(key)
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, versionKey)
			pipe.Expire(ctx, versionKey, 2*c.ttl)
			pipe.Del(ctx, c.valueKey(key))
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis invalidate: %w", err)
		}
	}
	return nil
}

// The hash tag keeps a value and its version in one cluster slot.
func (c *RedisCache) valueKey(key string) string {
	return c.prefix + "{" + key + "}"
}

func (c *RedisCache) versionKey(key string) string {
	return c.valueKey(key) + ":version"
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Noop never stores anything; every Get misses.
type Noop struct{}

func (Noop) Get(context.Context, string, any) error { return ErrMiss }
func (Noop) Version(context.Context, string) (int64, error) { return 0, nil }
func (Noop) Fill(context.Context, string, int64, any) error { return nil }
func (Noop) Delete(context.Context, ...string) error { return nil }
func (Noop) Close() error { return nil }

// ArtistKey and TrackKey include the store target, so records cached for
// one database never answer lookups against another.
func ArtistKey(target, username string) string {
	return "artist:" + target + ":" + username
}

func TrackKey(target, trackName string) string {
	return "track:" + target + ":" + trackName
}
