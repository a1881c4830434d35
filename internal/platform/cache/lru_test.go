package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLRU(hold time.Duration) (*LRUCache, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(16, time.Hour, hold)
	c.now = clk.now
	return c, clk
}

func fillCurrent(t *testing.T, c interface {
	Version(context.Context, string) (string, error)
	Fill(context.Context, string, []byte, time.Duration, string) error
}, key, value string, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	v, err := c.Version(ctx, key)
	require.NoError(t, err)
	require.NoError(t, c.Fill(ctx, key, []byte(value), ttl, v))
}

func TestLRUCacheTTL(t *testing.T) {
	c, clk := newTestLRU(time.Second)
	ctx := context.Background()

	fillCurrent(t, c, "k", "v", time.Minute)
	raw, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(raw))

	clk.advance(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	require.False(t, ok)

	fillCurrent(t, c, "k", "w", time.Minute)
	raw, ok, _ = c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "w", string(raw))
}

func TestLRUCacheEvictRefusesStaleFill(t *testing.T) {
	c, _ := newTestLRU(0)
	ctx := context.Background()

	fillCurrent(t, c, "k", "old", time.Minute)
	stale, err := c.Version(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, c.Evict(ctx, "k"))

	require.NoError(t, c.Fill(ctx, "k", []byte("stale"), time.Minute, stale))
	_, ok, _ := c.Get(ctx, "k")
	require.False(t, ok)

	fillCurrent(t, c, "k", "fresh", time.Minute)
	raw, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "fresh", string(raw))
}

func TestLRUCacheForgottenGenerationRefusesFill(t *testing.T) {
	c, _ := newTestLRU(20 * time.Millisecond)
	ctx := context.Background()

	stale, err := c.Version(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, c.Evict(ctx, "k"))
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, c.Fill(ctx, "k", []byte("stale"), time.Minute, stale))
	_, ok, _ := c.Get(ctx, "k")
	require.False(t, ok, "a fill from before the eviction landed after the generation expired")
}

func TestLRUCacheEvictRemovesEntry(t *testing.T) {
	c, _ := newTestLRU(0)
	ctx := context.Background()

	fillCurrent(t, c, "a", "1", 0)
	require.NoError(t, c.Evict(ctx, "a"))
	require.Equal(t, 0, c.Len())
	fillCurrent(t, c, "a", "2", 0)
	raw, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "2", string(raw))
}

func TestLRUCacheBounded(t *testing.T) {
	c := NewLRUCache(2, time.Hour, 0)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		fillCurrent(t, c, k, k, 0)
	}
	require.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "a")
	require.False(t, ok)
}

func TestNopNeverHits(t *testing.T) {
	ctx := context.Background()
	var c Nop
	fillCurrent(t, c, "k", "v", time.Minute)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Evict(ctx, "k"))
}
