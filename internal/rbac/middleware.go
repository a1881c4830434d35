// Package rbac guards HTTP handlers with engine decisions.
package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/platform/httpx"
	"github.com/odyssey-erp/authz/internal/shared"
)

// OrganisationHeader carries the stored organisation selection when no route or query value is set.
const OrganisationHeader = "X-Organisation-ID"

// Middleware wires authorization helpers for HTTP handlers.
type Middleware struct {
	Port   authz.Port
	Logger *slog.Logger
}

// RequirePermission ensures the current principal holds perm in the request organisation.
func (m Middleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	return m.RequireAll(perm)
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", normalizePermissions(perms), false)
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", normalizePermissions(perms), true)
}

func (m Middleware) require(op string, perms []string, all bool) func(http.Handler) http.Handler {
	refs := authz.PermissionNames(perms...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(refs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Forbidden(w)
				return
			}
			orgID, ok := OrganisationID(r, principal)
			if !ok {
				httpx.Forbidden(w)
				return
			}
			check := m.Port.HasAny
			if all {
				check = m.Port.HasAll
			}
			granted, err := check(r.Context(), principal, refs, authz.OrgByID(orgID))
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if !granted {
				httpx.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OrganisationID resolves the request organisation: route parameter, then query field, then the
// stored selection header, then the principal's default organisation.
func OrganisationID(r *http.Request, p authz.Principal) (int64, bool) {
	candidates := []string{
		chi.URLParam(r, "orgID"),
		r.URL.Query().Get("organisation_id"),
		r.Header.Get(OrganisationHeader),
	}
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	if p.OrganisationID > 0 {
		return p.OrganisationID, true
	}
	return 0, false
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
