//go:build integration

package postgres

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/platform/db"
)

func setupRepository(t *testing.T) (*Repository, func(query string, args ...any) int64) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("authz_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := db.New(ctx, dsn, db.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrator, err := db.NewMigrator(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Close())

	insert := func(query string, args ...any) int64 {
		var id int64
		require.NoError(t, pool.QueryRow(ctx, query, args...).Scan(&id))
		return id
	}
	return NewRepository(pool), insert
}

func TestRepositoryEndToEnd(t *testing.T) {
	repo, insert := setupRepository(t)
	ctx := context.Background()

	owner := int64(7)
	orgID := insert(`INSERT INTO organisations (name, owner_id) VALUES ('Acme', $1) RETURNING id`, owner)
	insert(`INSERT INTO users (organisation_id, email) VALUES ($1, 'a@acme.test') RETURNING id`, orgID)

	resolver := authz.NewResolver(repo, authz.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	_, err := resolver.Catalog().SyncSystemTemplates(ctx, []authz.TemplateSpec{
		{Name: "member", Level: 20, Permissions: []string{"view board", "create task"}},
		{Name: "admin", Level: 80, Permissions: []string{"view board"}},
	})
	require.NoError(t, err)

	tmpl, err := resolver.Catalog().GetTemplate(ctx, "member", orgID)
	require.NoError(t, err)
	require.Equal(t, []string{"view board", "create task"}, tmpl.Permissions)

	user := authz.Principal{ID: 42, OrganisationID: orgID}
	org := authz.OrgByID(orgID)

	var wg sync.WaitGroup
	created := make([]bool, 8)
	errs := make([]error, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created[i], errs[i] = resolver.AssignRole(ctx, user, authz.RoleByName("member"), org)
		}(i)
	}
	wg.Wait()
	wins := 0
	for i := range created {
		require.NoError(t, errs[i])
		if created[i] {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	ok, err := resolver.Authorize(ctx, user, authz.PermissionByName("create task"), org)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = resolver.GrantPermission(ctx, user, authz.PermissionByName("create task"), org)
	require.NoError(t, err)
	_, err = resolver.DenyPermission(ctx, user, authz.PermissionByName("create task"), org)
	require.NoError(t, err)
	rows, err := repo.ListOverrides(ctx, user.ID, orgID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Grant)

	ok, err = resolver.Authorize(ctx, user, authz.PermissionByName("create task"), org)
	require.NoError(t, err)
	require.False(t, ok)

	custom, err := resolver.Catalog().CustomizeSystemRole(ctx, orgID, "member")
	require.NoError(t, err)
	require.True(t, custom.Role.OverridesSystem)
	held, err := resolver.ListRoles(ctx, user, org)
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.Equal(t, custom.Role.ID, held[0].Role.ID)

	require.NoError(t, resolver.Catalog().RevertToSystem(ctx, orgID, "member"))
	held, err = resolver.ListRoles(ctx, user, org)
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.True(t, held[0].Template.IsSystem)

	members, err := repo.ListOrganisationMembers(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}
