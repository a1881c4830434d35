package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/authz"
)

func TestSystemTemplatesReferenceDeclaredPermissions(t *testing.T) {
	declared := make(map[string]struct{})
	for _, p := range AllScopes() {
		_, dup := declared[p]
		require.False(t, dup, "permission %q declared twice", p)
		declared[p] = struct{}{}
	}

	names := make(map[string]struct{})
	for _, tmpl := range SystemTemplates() {
		_, dup := names[tmpl.Name]
		require.False(t, dup, "template %q declared twice", tmpl.Name)
		names[tmpl.Name] = struct{}{}
		for _, p := range tmpl.Permissions {
			_, ok := declared[p]
			require.True(t, ok, "template %q references undeclared permission %q", tmpl.Name, p)
		}
	}
	require.Contains(t, names, BaselineTemplate)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	require.False(t, ok)

	ctx := ContextWithPrincipal(context.Background(), authz.Principal{ID: 9, OrganisationID: 3})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, int64(9), p.ID)
	require.Equal(t, int64(3), p.OrganisationID)
}
