package redis

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rowan-db/rowan"
	"github.com/rowan-db/rowan/common"
)

// keyPrefix scopes Flush to keys this store wrote.
const keyPrefix = "rowan:"

// client implements rowan.CacheStore using Redis.
// The counters field tracks operation statistics for monitoring (thread-safe).
type client struct {
	redisClient       *redis.Client
	mu                sync.Mutex
	counters          map[string]int
	createdInternally bool
}

// Ensure client implements rowan.CacheStore and io.Closer.
var (
	_ rowan.CacheStore = (*client)(nil)
	_ io.Closer        = (*client)(nil)
)

// Options holds configuration for the Redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a Redis cache store wrapper. A non-nil redisCli is used
// directly; otherwise a client is created from opts and ping-verified.
func NewClient(redisCli *redis.Client, opts *Options) (rowan.CacheStore, error) {
	var rdb *redis.Client
	var createdInternally bool

	if redisCli != nil {
		rdb = redisCli
	} else {
		if opts == nil {
			opts = &Options{}
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		createdInternally = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	return &client{redisClient: rdb, counters: make(map[string]int), createdInternally: createdInternally}, nil
}

// incrementCounter safely increments a named operation counter.
func (c *client) incrementCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = make(map[string]int)
	}
	c.counters[name]++
}

// Get retrieves a raw string value.
func (c *client) Get(ctx context.Context, key string) (string, error) {
	c.incrementCounter("Get")
	val, err := c.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		c.incrementCounter("GetMiss")
		return "", common.ErrNotFound
	} else if err != nil {
		c.incrementCounter("GetError")
		return "", fmt.Errorf("redis Get error for key '%s': %w", key, err)
	}
	c.incrementCounter("GetHit")
	return val, nil
}

// Forever stores a value without expiration.
func (c *client) Forever(ctx context.Context, key, value string) error {
	c.incrementCounter("Forever")
	if err := c.redisClient.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis Set error for key '%s': %w", key, err)
	}
	return nil
}

// Flush removes every key under the store's prefix. Uses SCAN for safe
// iteration over keys.
func (c *client) Flush(ctx context.Context) error {
	c.incrementCounter("Flush")
	var cursor uint64
	var keysToDelete []string
	const scanCount = 100

	for {
		var keys []string
		var err error
		keys, cursor, err = c.redisClient.Scan(ctx, cursor, keyPrefix+"*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("redis SCAN error for prefix '%s': %w", keyPrefix, err)
		}
		keysToDelete = append(keysToDelete, keys...)
		if cursor == 0 {
			break
		}
	}

	if len(keysToDelete) > 0 {
		log.Printf("REDIS CACHE: Deleting %d keys with prefix '%s'", len(keysToDelete), keyPrefix)
		if err := c.redisClient.Del(ctx, keysToDelete...).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("redis DEL error for prefix '%s': %w", keyPrefix, err)
		}
	}
	return nil
}

// Stats returns a snapshot of the operation counters. The returned map is a
// copy and safe for concurrent use.
func (c *client) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make(map[string]int, len(c.counters))
	for k, v := range c.counters {
		stats[k] = v
	}
	return stats
}

// Close implements io.Closer. Only closes the underlying client when it was
// created internally.
func (c *client) Close() error {
	if c.createdInternally && c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}
