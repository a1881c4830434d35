package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/shared"
)

type stubPort struct {
	authz.Port
	granted map[string]bool
	err     error
}

func (s *stubPort) evaluate(perms []authz.PermissionRef, all bool) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	for _, p := range perms {
		ok := s.granted[p.String()]
		if all && !ok {
			return false, nil
		}
		if !all && ok {
			return true, nil
		}
	}
	return all, nil
}

func (s *stubPort) HasAny(_ context.Context, _ authz.Principal, perms []authz.PermissionRef, _ authz.OrgRef) (bool, error) {
	return s.evaluate(perms, false)
}

func (s *stubPort) HasAll(_ context.Context, _ authz.Principal, perms []authz.PermissionRef, _ authz.OrgRef) (bool, error) {
	return s.evaluate(perms, true)
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, principal *authz.Principal) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if principal != nil {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), *principal))
	}
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, req)
	return rr
}

func TestRequireAnyAndAll(t *testing.T) {
	port := &stubPort{granted: map[string]bool{"view board": true}}
	m := Middleware{Port: port}
	p := &authz.Principal{ID: 3, OrganisationID: 9}

	require.Equal(t, http.StatusTeapot, serve(t, m.RequireAny("view board", "delete board"), p).Code)
	require.Equal(t, http.StatusForbidden, serve(t, m.RequireAll("view board", "delete board"), p).Code)
	require.Equal(t, http.StatusTeapot, serve(t, m.RequirePermission("view board"), p).Code)
	require.Equal(t, http.StatusTeapot, serve(t, m.RequireAny(" ", ""), p).Code, "no permissions means no guard")
}

func TestRequireDeniesWithoutPrincipalOrOrganisation(t *testing.T) {
	m := Middleware{Port: &stubPort{granted: map[string]bool{"view board": true}}}

	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePermission("view board"), nil).Code)
	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePermission("view board"), &authz.Principal{ID: 3}).Code)
}

func TestRequireSurfacesEngineErrors(t *testing.T) {
	m := Middleware{Port: &stubPort{err: errors.New("store down")}}
	rr := serve(t, m.RequirePermission("view board"), &authz.Principal{ID: 3, OrganisationID: 9})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "store down")
}

func TestOrganisationIDPriority(t *testing.T) {
	p := authz.Principal{ID: 1, OrganisationID: 4}

	req := httptest.NewRequest(http.MethodGet, "/?organisation_id=2", nil)
	req.Header.Set(OrganisationHeader, "3")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("orgID", "1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	id, ok := OrganisationID(req, p)
	require.True(t, ok)
	require.Equal(t, int64(1), id)

	req = httptest.NewRequest(http.MethodGet, "/?organisation_id=2", nil)
	req.Header.Set(OrganisationHeader, "3")
	id, ok = OrganisationID(req, p)
	require.True(t, ok)
	require.Equal(t, int64(2), id)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OrganisationHeader, "3")
	id, ok = OrganisationID(req, p)
	require.True(t, ok)
	require.Equal(t, int64(3), id)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	id, ok = OrganisationID(req, p)
	require.True(t, ok)
	require.Equal(t, int64(4), id)

	req = httptest.NewRequest(http.MethodGet, "/?organisation_id=abc", nil)
	_, ok = OrganisationID(req, p)
	require.False(t, ok, "a malformed selection must not fall through to the default")

	_, ok = OrganisationID(httptest.NewRequest(http.MethodGet, "/", nil), authz.Principal{ID: 1})
	require.False(t, ok)
}

func TestNormalizePermissions(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, normalizePermissions([]string{" a", "b", "a ", ""}))
}
