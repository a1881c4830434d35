package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type lruEntry struct {
	value   []byte
	expires time.Time
}

// LRUCache is a bounded in-process authz.Cache. Entry lifetimes are tracked per key on top of
// the LRU's own ceiling TTL. Generations live in a second LRU for the hold window; a generation
// that was dropped never matches again, so a fill racing it is discarded.
type LRUCache struct {
	mu   sync.Mutex
	lru  *expirable.LRU[string, lruEntry]
	gens *expirable.LRU[string, string]
	seq  uint64
	now  func() time.Time
}

// NewLRUCache returns a cache holding at most size entries, none older than maxTTL. Generations
// are remembered for hold; zero keeps them until capacity pushes them out.
func NewLRUCache(size int, maxTTL, hold time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{
		lru:  expirable.NewLRU[string, lruEntry](size, nil, maxTTL),
		gens: expirable.NewLRU[string, string](size, nil, hold),
		now:  time.Now,
	}
}

// Get returns the live payload under key.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok || c.expired(e) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Version returns the key's generation, minting one when none is remembered.
func (c *LRUCache) Version(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens.Get(key); ok {
		return g, nil
	}
	return c.bump(key), nil
}

// Fill stores value when version is still the key's generation.
func (c *LRUCache) Fill(_ context.Context, key string, value []byte, ttl time.Duration, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens.Peek(key); !ok || g != version {
		return nil
	}
	e := lruEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Evict drops keys and moves each to a new generation.
func (c *LRUCache) Evict(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.lru.Remove(key)
		c.bump(key)
	}
	return nil
}

// Len reports the number of stored entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

func (c *LRUCache) bump(key string) string {
	c.seq++
	g := strconv.FormatUint(c.seq, 10)
	c.gens.Add(key, g)
	return g
}

func (c *LRUCache) expired(e lruEntry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}
