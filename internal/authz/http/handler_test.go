package authzhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/authz/memstore"
	"github.com/odyssey-erp/authz/internal/platform/httpx"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/internal/shared"
)

const (
	ownerID  = int64(1)
	memberID = int64(5)
)

type fixture struct {
	router   http.Handler
	resolver *authz.Resolver
	orgID    int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	owner := ownerID
	org := store.AddOrganisation("Acme", &owner)
	store.AddMember(org.ID, memberID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := authz.NewResolver(store, authz.Options{Logger: logger})
	_, err := resolver.Catalog().SyncSystemTemplates(ctx, shared.SystemTemplates())
	require.NoError(t, err)
	_, err = resolver.AssignRole(ctx, authz.Principal{ID: memberID}, authz.RoleByName(shared.BaselineTemplate), authz.OrgByID(org.ID))
	require.NoError(t, err)

	handler := NewHandler(logger, resolver, resolver.Catalog(), rbac.Middleware{Port: resolver, Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get("X-Principal-ID"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				req = req.WithContext(shared.ContextWithPrincipal(req.Context(), authz.Principal{ID: id, OrganisationID: org.ID}))
			}
			next.ServeHTTP(w, req)
		})
	})
	handler.MountRoutes(r)
	return fixture{router: r, resolver: resolver, orgID: org.ID}
}

func (f fixture) do(t *testing.T, method, path string, actor int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor > 0 {
		req.Header.Set("X-Principal-ID", strconv.FormatInt(actor, 10))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f fixture) orgPath(suffix string) string {
	return "/orgs/" + strconv.FormatInt(f.orgID, 10) + suffix
}

func requireBareForbidden(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusForbidden, rr.Code)
	var body httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "Forbidden", body.Title)
	require.Empty(t, body.Detail)
}

func TestAuthorizeEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, f.orgPath("/authorize?permission=view+board"), memberID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, f.orgPath("/authorize?permission=delete+board"), memberID, "")
	requireBareForbidden(t, rr)

	rr = f.do(t, http.MethodGet, f.orgPath("/authorize?permission=delete+board"), ownerID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, f.orgPath("/authorize?permission=view+board"), 0, "")
	requireBareForbidden(t, rr)

	rr = f.do(t, http.MethodGet, "/orgs/999/authorize?permission=view+board", ownerID, "")
	requireBareForbidden(t, rr)
}

func TestAssignAndRevokeRole(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPut, f.orgPath("/users/7/roles/manager"), ownerID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = f.do(t, http.MethodPut, f.orgPath("/users/7/roles/manager"), ownerID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"changed":false}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, f.orgPath("/users/7/roles"), ownerID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var roles struct {
		Roles []roleView `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &roles))
	require.Len(t, roles.Roles, 1)
	require.Equal(t, "manager", roles.Roles[0].Template)

	rr = f.do(t, http.MethodDelete, f.orgPath("/users/7/roles/manager"), ownerID, "")
	require.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = f.do(t, http.MethodPut, f.orgPath("/users/7/roles/ghost"), ownerID, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRoleEditingRequiresPermission(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPut, f.orgPath("/users/7/roles/admin"), memberID, "")
	requireBareForbidden(t, rr)

	ok, err := f.resolver.HasRole(context.Background(), authz.Principal{ID: 7}, authz.RoleByName("admin"), authz.OrgByID(f.orgID))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverrideEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPut, f.orgPath("/users/5/overrides/view%20board"), ownerID, `{"grant":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"changed":true}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, f.orgPath("/authorize?permission=view+board"), memberID, "")
	requireBareForbidden(t, rr)

	rr = f.do(t, http.MethodPut, f.orgPath("/users/5/overrides/delete%20board"), ownerID, `{"grant":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, f.orgPath("/users/5/permissions"), ownerID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var perms struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &perms))
	require.Contains(t, perms.Permissions, "delete board")
	require.NotContains(t, perms.Permissions, "view board")

	rr = f.do(t, http.MethodDelete, f.orgPath("/users/5/overrides/view%20board"), ownerID, "")
	require.JSONEq(t, `{"changed":true}`, rr.Body.String())
	rr = f.do(t, http.MethodGet, f.orgPath("/authorize?permission=view+board"), memberID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodPut, f.orgPath("/users/5/overrides/view%20board"), ownerID, `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPut, f.orgPath("/users/5/overrides/launch%20rockets"), ownerID, `{"grant":true}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, f.orgPath("/templates"), ownerID,
		`{"name":"reviewer","display_name":"Reviewer","level":30,"permissions":["view board","edit task"]}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created templateView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, []string{"view board", "edit task"}, created.Permissions)
	require.False(t, created.IsSystem)

	rr = f.do(t, http.MethodPost, f.orgPath("/templates"), ownerID, `{"name":"admin","level":5}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, f.orgPath("/templates/"), memberID, "")
	requireBareForbidden(t, rr)

	rr = f.do(t, http.MethodGet, f.orgPath("/templates/"), ownerID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Templates []templateView `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, "reviewer", list.Templates[0].Name)
	require.Len(t, list.Templates, len(shared.SystemTemplates())+1)

	rr = f.do(t, http.MethodPut, f.orgPath("/templates/order"), ownerID, `{"template_ids":[`+strconv.FormatInt(list.Templates[1].ID, 10)+`]}`)
	require.Equal(t, http.StatusConflict, rr.Code, "system templates cannot be reordered")

	rr = f.do(t, http.MethodPost, f.orgPath("/templates/member/customize"), ownerID, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = f.do(t, http.MethodDelete, f.orgPath("/templates/member/customize"), ownerID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, f.orgPath("/templates/member/customize"), ownerID, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
