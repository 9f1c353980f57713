package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrWithTTL increments a counter and extends its expiry to at least
// the requested TTL in one atomic step, so concurrent increments from
// different instances are never lost and the key never lives forever.
var incrWithTTL = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// setKeepLongerTTL stores a value and keeps whichever expiry is later:
// the existing one or the requested one.
var setKeepLongerTTL = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
if ttl < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// extendTTL lengthens the expiry of an existing key, never shortening it.
var extendTTL = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  return 0
end
if ttl < tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// Cache handles Redis operations
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new cache instance
func NewCache(redisURL string, logger *zap.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Cache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IncrWithTTL atomically increments key and makes sure it expires no
// sooner than ttl from now. It returns the incremented value.
func (c *Cache) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTL.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		c.logger.Error("Failed to increment counter", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return n, nil
}

// SetWithTTL stores value under key for ttl.
func (c *Cache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Error("Failed to set key", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// SetIfAbsent stores value under key for ttl unless the key already
// exists. It reports whether this call created the key.
func (c *Cache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		c.logger.Error("Failed to set key", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return created, nil
}

// Get returns the value stored under key and whether it exists.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		c.logger.Error("Failed to get key", zap.String("key", key), zap.Error(err))
		return "", false, err
	}
	return value, true, nil
}

// Exists checks whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("Failed to check key", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key, or zero when the key is
// missing or has no expiry.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		c.logger.Error("Failed to read key ttl", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetKeepLongerTTL stores value under key. The key expires at the later
// of its current expiry and ttl from now.
func (c *Cache) SetKeepLongerTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := setKeepLongerTTL.Run(ctx, c.client, []string{key}, value, ttl.Milliseconds()).Err(); err != nil {
		c.logger.Error("Failed to set key", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ExtendTTL makes an existing key live at least ttl from now. Missing
// keys are left alone.
func (c *Cache) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := extendTTL.Run(ctx, c.client, []string{key}, ttl.Milliseconds()).Err(); err != nil {
		c.logger.Error("Failed to extend key expiry", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("Failed to delete keys", zap.Strings("keys", keys), zap.Error(err))
		return err
	}
	return nil
}
