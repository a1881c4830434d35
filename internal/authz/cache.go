package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is the injected cache port. Every key carries an eviction generation: Version reads it,
// Evict replaces it, and Fill stores only while the generation still equals the one the loader
// read before touching the store. A loader that raced a committed mutation therefore never
// refills the key, however late it finishes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Version(ctx context.Context, key string) (string, error)
	Fill(ctx context.Context, key string, value []byte, ttl time.Duration, version string) error
	Evict(ctx context.Context, keys ...string) error
}

// Observer receives decision and cache lookup outcomes, typically for metrics.
type Observer interface {
	ObserveDecision(outcome string)
	ObserveCacheLookup(hit bool)
}

// Decision outcomes reported to the Observer. They never leave the process boundary.
const (
	OutcomeNoOrganisation = "no_organisation"
	OutcomeNoPermission   = "unknown_permission"
	OutcomeDenied         = "deny_override"
	OutcomeBypass         = "bypass"
	OutcomeOwner          = "owner"
	OutcomeGranted        = "grant_override"
	OutcomeRole           = "role"
	OutcomeNone           = "no_match"
)

type cacheLayer struct {
	cache    Cache
	ttl      time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	observer Observer
}

func (c *cacheLayer) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}

// cached serves key from the cache or populates it from load. Cache failures degrade to the store.
func cached[T any](ctx context.Context, c *cacheLayer, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil || c.cache == nil {
		return load(ctx)
	}
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("authz cache get", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		var value T
		if err := json.Unmarshal(raw, &value); err == nil {
			c.observe(true)
			return value, nil
		}
		c.logger.Warn("authz cache decode", slog.String("key", key))
	}
	c.observe(false)

	// The shared load outlives any single caller; each caller still honours its own deadline.
	ch := c.group.DoChan(key, func() (any, error) {
		return fill(context.WithoutCancel(ctx), c, key, load)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func fill[T any](ctx context.Context, c *cacheLayer, key string, load func(context.Context) (T, error)) (any, error) {
	version, verr := c.cache.Version(ctx, key)
	if verr != nil {
		c.logger.Warn("authz cache version", slog.String("key", key), slog.Any("error", verr))
	}
	value, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return value, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("authz cache encode", slog.String("key", key), slog.Any("error", err))
		return value, nil
	}
	if err := c.cache.Fill(ctx, key, payload, c.ttl, version); err != nil {
		c.logger.Warn("authz cache fill", slog.String("key", key), slog.Any("error", err))
	}
	return value, nil
}

// evict drops keys after a committed mutation.
func (c *cacheLayer) evict(ctx context.Context, keys ...string) error {
	if c == nil || c.cache == nil || len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		c.group.Forget(key)
	}
	if err := c.cache.Evict(ctx, keys...); err != nil {
		c.logger.Error("authz cache evict", slog.Any("keys", keys), slog.Any("error", err))
		return fmt.Errorf("authz: evict cache: %w", err)
	}
	return nil
}
