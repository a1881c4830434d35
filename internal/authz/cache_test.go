package authz_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/authz/memstore"
	"github.com/odyssey-erp/authz/internal/platform/cache"
	"github.com/odyssey-erp/authz/internal/shared"
)

// slowOverrides parks the next ListOverrides call after it has read its rows.
type slowOverrides struct {
	*memstore.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowOverrides) arm() {
	s.entered = make(chan struct{})
	s.release = make(chan struct{})
	s.armed.Store(true)
}

func (s *slowOverrides) ListOverrides(ctx context.Context, userID, orgID int64) ([]authz.PermissionOverride, error) {
	rows, err := s.Store.ListOverrides(ctx, userID, orgID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return rows, err
}

type decision struct {
	ok  bool
	err error
}

func newSlowHarness(t *testing.T, c authz.Cache) (*harness, *slowOverrides) {
	t.Helper()
	store := memstore.New()
	owner := ownerID
	org := store.AddOrganisation("Acme", &owner)
	store.AddMember(org.ID, aliceID)

	repo := &slowOverrides{Store: store}
	opts := authz.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Cache: c}
	h := &harness{ctx: context.Background(), store: store, resolver: authz.NewResolver(repo, opts), org: org}
	_, err := h.resolver.Catalog().SyncSystemTemplates(h.ctx, shared.SystemTemplates())
	require.NoError(t, err)
	return h, repo
}

func newMiniredisCache(t *testing.T, hold time.Duration) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisCache(client, hold)
}

func TestLateLoaderCannotRefillAfterDeny(t *testing.T) {
	cases := []struct {
		name  string
		hold  time.Duration
		cache func(t *testing.T, hold time.Duration) authz.Cache
	}{
		{"lru no hold", 0, func(t *testing.T, hold time.Duration) authz.Cache { return cache.NewLRUCache(0, time.Minute, hold) }},
		{"lru past hold", 30 * time.Millisecond, func(t *testing.T, hold time.Duration) authz.Cache { return cache.NewLRUCache(0, time.Minute, hold) }},
		{"redis", 30 * time.Millisecond, func(t *testing.T, hold time.Duration) authz.Cache { return newMiniredisCache(t, hold) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, repo := newSlowHarness(t, tc.cache(t, tc.hold))
			alice := authz.Principal{ID: aliceID}
			h.assign(t, aliceID, "viewer")
			_, err := h.resolver.GrantPermission(h.ctx, alice, authz.PermissionByName(shared.PermBoardDelete), h.orgRef())
			require.NoError(t, err)

			repo.arm()
			first := make(chan decision, 1)
			go func() {
				ok, err := h.resolver.Authorize(h.ctx, alice, authz.PermissionByName(shared.PermBoardDelete), h.orgRef())
				first <- decision{ok, err}
			}()
			<-repo.entered

			changed, err := h.resolver.DenyPermission(h.ctx, alice, authz.PermissionByName(shared.PermBoardDelete), h.orgRef())
			require.NoError(t, err)
			require.True(t, changed)
			time.Sleep(2*tc.hold + 10*time.Millisecond)
			close(repo.release)
			res := <-first
			require.NoError(t, res.err)
			require.True(t, res.ok, "the in-flight decision read the grant before the deny committed")

			require.False(t, h.allowed(t, aliceID, shared.PermBoardDelete))
			require.False(t, h.allowed(t, aliceID, shared.PermBoardDelete))
		})
	}
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	h, repo := newSlowHarness(t, cache.NewLRUCache(0, time.Minute, time.Minute))
	alice := authz.Principal{ID: aliceID}
	h.assign(t, aliceID, "viewer")
	require.True(t, h.allowed(t, aliceID, shared.PermBoardView))
	_, err := h.resolver.GrantPermission(h.ctx, alice, authz.PermissionByName(shared.PermBoardDelete), h.orgRef())
	require.NoError(t, err)

	repo.arm()
	ctx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := h.resolver.Authorize(ctx, alice, authz.PermissionByName(shared.PermBoardView), h.orgRef())
		leader <- err
	}()
	<-repo.entered

	follower := make(chan decision, 1)
	go func() {
		ok, err := h.resolver.Authorize(context.Background(), alice, authz.PermissionByName(shared.PermBoardView), h.orgRef())
		follower <- decision{ok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leader, context.Canceled)

	close(repo.release)
	res := <-follower
	require.NoError(t, res.err)
	require.True(t, res.ok)
}
