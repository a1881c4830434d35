package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz/internal/app"
	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/authz/postgres"
	"github.com/odyssey-erp/authz/internal/observability"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/platform/db"
)

// Runtime bundles the engine and the connections behind it.
type Runtime struct {
	Resolver *authz.Resolver
	Metrics  *observability.Metrics
	// Pool is nil when the engine runs on a non-Postgres repository.
	Pool    *pgxpool.Pool
	Health  app.Pinger
	closers []func()
}

// Close releases every connection in reverse opening order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// OnClose registers a release hook.
func (r *Runtime) OnClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Opener builds a Runtime from configuration.
type Opener func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error)

// OpenRuntime connects Postgres and the configured cache backend.
func OpenRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnIdleTime: cfg.PGMaxIdleTime})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Pool: pool, Health: pool, Metrics: observability.NewMetrics()}
	rt.OnClose(pool.Close)

	c, err := openCache(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Resolver = authz.NewResolver(postgres.NewRepository(pool), authz.Options{
		Cache:    c,
		CacheTTL: cfg.CacheTTL,
		Logger:   logger,
		Observer: rt.Metrics,
	})
	return rt, nil
}

func openCache(ctx context.Context, cfg *app.Config, logger *slog.Logger, rt *Runtime) (authz.Cache, error) {
	switch cfg.CacheBackend {
	case app.CacheRedis:
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		rt.OnClose(func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
		return cache.NewRedisCache(client, cfg.CacheEvictHold), nil
	case app.CacheMemory:
		// Process-local: evictions are not seen by other replicas.
		logger.Warn("in-process authz cache enabled; run a single replica")
		return cache.NewLRUCache(cfg.CacheSize, cfg.CacheTTL, cfg.CacheEvictHold), nil
	case app.CacheNone:
		return cache.Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
}
