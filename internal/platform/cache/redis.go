package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// versionScript returns the key's generation, storing the candidate when none exists.
var versionScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  return v
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return ARGV[1]
`)

// fillScript writes the payload only while the generation still matches.
var fillScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisCache implements authz.Cache on Redis. Each key has a companion generation key holding a
// random token; eviction replaces the token before deleting the payload, so a fill carrying the
// old token is refused even after the generation key itself expires.
//
// Fill touches two keys in one script, so the cache expects a single Redis node or a sentinel
// setup rather than a cluster.
type RedisCache struct {
	client redis.UniversalClient
	hold   time.Duration
}

// NewRedisCache wraps client. Generations live for hold; zero keeps them without expiry.
func NewRedisCache(client redis.UniversalClient, hold time.Duration) *RedisCache {
	return &RedisCache{client: client, hold: hold}
}

func genKey(key string) string { return key + "#gen" }

// Get returns the payload stored under key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	return raw, true, nil
}

// Version returns the key's current generation token.
func (c *RedisCache) Version(ctx context.Context, key string) (string, error) {
	v, err := versionScript.Run(ctx, c.client, []string{genKey(key)}, uuid.NewString(), c.hold.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("platform/cache: version %s: %w", key, err)
	}
	return v, nil
}

// Fill stores value when version is still the key's generation.
func (c *RedisCache) Fill(ctx context.Context, key string, value []byte, ttl time.Duration, version string) error {
	err := fillScript.Run(ctx, c.client, []string{key, genKey(key)}, version, value, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("platform/cache: fill %s: %w", key, err)
	}
	return nil
}

// Evict moves keys to a new generation and deletes their payloads.
func (c *RedisCache) Evict(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, genKey(key), uuid.NewString(), c.hold)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("platform/cache: evict: %w", err)
	}
	return nil
}
