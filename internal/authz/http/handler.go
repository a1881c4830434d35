// Package authzhttp exposes the authorization engine over JSON HTTP.
package authzhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/authz/internal/authz"
	"github.com/odyssey-erp/authz/internal/platform/httpx"
	"github.com/odyssey-erp/authz/internal/rbac"
	"github.com/odyssey-erp/authz/internal/shared"
)

type catalog interface {
	ListTemplates(ctx context.Context, orgID int64) ([]authz.RoleTemplate, error)
	CreateTemplate(ctx context.Context, in authz.TemplateInput) (authz.RoleTemplate, error)
	ReorderLevels(ctx context.Context, orgID int64, templateIDs []int64) error
	CustomizeSystemRole(ctx context.Context, orgID int64, name string) (authz.AssignedRole, error)
	RevertToSystem(ctx context.Context, orgID int64, name string) error
}

// Handler wires HTTP endpoints for decisions, assignments, overrides and templates.
type Handler struct {
	logger    *slog.Logger
	port      authz.Port
	catalog   catalog
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the authorization HTTP handler.
func NewHandler(logger *slog.Logger, port authz.Port, catalog catalog, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, port: port, catalog: catalog, rbac: guard, validator: validator.New()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Get("/authorize", h.authorize)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.With(h.rbac.RequirePermission(shared.PermPermissionsView)).Get("/permissions", h.effectivePermissions)
			r.With(h.rbac.RequirePermission(shared.PermRolesView)).Get("/roles", h.listRoles)
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequirePermission(shared.PermRolesEdit))
				r.Put("/roles/{role}", h.assignRole)
				r.Delete("/roles/{role}", h.revokeRole)
			})
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequirePermission(shared.PermPermissionsEdit))
				r.Put("/overrides/{permission}", h.setOverride)
				r.Delete("/overrides/{permission}", h.clearOverride)
			})
		})
		r.Route("/templates", func(r chi.Router) {
			r.With(h.rbac.RequirePermission(shared.PermRolesView)).Get("/", h.listTemplates)
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequirePermission(shared.PermRolesEdit))
				r.Post("/", h.createTemplate)
				r.Put("/order", h.reorderTemplates)
				r.Post("/{name}/customize", h.customizeTemplate)
				r.Delete("/{name}/customize", h.revertTemplate)
			})
		})
	})
}

type decisionResponse struct {
	Allowed bool `json:"allowed"`
}

type changeResponse struct {
	Changed bool `json:"changed"`
}

type overrideRequest struct {
	Grant *bool `json:"grant" validate:"required"`
}

type templateRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

type reorderRequest struct {
	TemplateIDs []int64 `json:"template_ids" validate:"required,min=1,dive,gt=0"`
}

type roleView struct {
	ID              int64  `json:"id"`
	Template        string `json:"template"`
	TemplateID      int64  `json:"template_id"`
	Level           int    `json:"level"`
	OverridesSystem bool   `json:"overrides_system"`
}

type templateView struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Level       int      `json:"level"`
	IsSystem    bool     `json:"is_system"`
	Permissions []string `json:"permissions"`
}

func toRoleView(a authz.AssignedRole) roleView {
	return roleView{
		ID:              a.Role.ID,
		Template:        a.Template.Name,
		TemplateID:      a.Template.ID,
		Level:           a.Template.Level,
		OverridesSystem: a.Role.OverridesSystem,
	}
}

func toTemplateView(t authz.RoleTemplate) templateView {
	perms := t.Permissions
	if perms == nil {
		perms = []string{}
	}
	return templateView{
		ID:          t.ID,
		Name:        t.Name,
		DisplayName: t.DisplayName,
		Description: t.Description,
		Level:       t.Level,
		IsSystem:    t.IsSystem,
		Permissions: perms,
	}
}

// authorize answers a forward-auth style check for the calling principal: 204 when allowed,
// a bare 403 otherwise.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Forbidden(w)
		return
	}
	orgID, ok := int64Param(r, "orgID")
	perm := strings.TrimSpace(r.URL.Query().Get("permission"))
	if !ok || perm == "" {
		httpx.Forbidden(w)
		return
	}
	allowed, err := h.port.Authorize(r.Context(), principal, authz.ParsePermissionRef(perm), authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, "authorize", err)
		return
	}
	if !allowed {
		httpx.Forbidden(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	orgID, subject, ok := h.subject(w, r)
	if !ok {
		return
	}
	set, err := h.port.EffectivePermissions(r.Context(), subject, authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, "effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": set.Sorted()})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	orgID, subject, ok := h.subject(w, r)
	if !ok {
		return
	}
	held, err := h.port.ListRoles(r.Context(), subject, authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	views := make([]roleView, 0, len(held))
	for _, a := range held {
		views = append(views, toRoleView(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "assign role", h.port.AssignRole)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, "revoke role", h.port.RevokeRole)
}

type roleChange func(context.Context, authz.Principal, authz.RoleRef, authz.OrgRef) (bool, error)

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request, op string, change roleChange) {
	orgID, subject, ok := h.subject(w, r)
	if !ok {
		return
	}
	role := pathParam(r, "role")
	if role == "" {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	changed, err := change(r.Context(), subject, authz.ParseRoleRef(role), authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, op, err)
		return
	}
	h.logger.Info(op, slog.Int64("organisation_id", orgID), slog.Int64("user_id", subject.ID),
		slog.String("role", role), slog.Bool("changed", changed), slog.Int64("actor_id", actorID(r)))
	httpx.JSON(w, http.StatusOK, changeResponse{Changed: changed})
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	orgID, subject, ok := h.subject(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "grant is required")
		return
	}
	perm := authz.ParsePermissionRef(pathParam(r, "permission"))
	set := h.port.DenyPermission
	if *req.Grant {
		set = h.port.GrantPermission
	}
	changed, err := set(r.Context(), subject, perm, authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, "set override", err)
		return
	}
	h.logger.Info("set override", slog.Int64("organisation_id", orgID), slog.Int64("user_id", subject.ID),
		slog.String("permission", perm.String()), slog.Bool("grant", *req.Grant),
		slog.Bool("changed", changed), slog.Int64("actor_id", actorID(r)))
	httpx.JSON(w, http.StatusOK, changeResponse{Changed: changed})
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	orgID, subject, ok := h.subject(w, r)
	if !ok {
		return
	}
	perm := authz.ParsePermissionRef(pathParam(r, "permission"))
	changed, err := h.port.ClearPermission(r.Context(), subject, perm, authz.OrgByID(orgID))
	if err != nil {
		h.fail(w, "clear override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, changeResponse{Changed: changed})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	templates, err := h.catalog.ListTemplates(r.Context(), orgID)
	if err != nil {
		h.fail(w, "list templates", err)
		return
	}
	views := make([]templateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, toTemplateView(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": views})
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	var req templateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tmpl, err := h.catalog.CreateTemplate(r.Context(), authz.TemplateInput{
		OrganisationID: orgID,
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		Level:          req.Level,
		Permissions:    req.Permissions,
	})
	if err != nil {
		h.fail(w, "create template", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTemplateView(tmpl))
}

func (h *Handler) reorderTemplates(w http.ResponseWriter, r *http.Request) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	var req reorderRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "template_ids must list positive ids")
		return
	}
	if err := h.catalog.ReorderLevels(r.Context(), orgID, req.TemplateIDs); err != nil {
		h.fail(w, "reorder templates", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) customizeTemplate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	custom, err := h.catalog.CustomizeSystemRole(r.Context(), orgID, pathParam(r, "name"))
	if err != nil {
		h.fail(w, "customize template", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"role":     toRoleView(custom),
		"template": toTemplateView(custom.Template),
	})
}

func (h *Handler) revertTemplate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.catalog.RevertToSystem(r.Context(), orgID, pathParam(r, "name")); err != nil {
		h.fail(w, "revert template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subject parses the organisation and target user path parameters.
func (h *Handler) subject(w http.ResponseWriter, r *http.Request) (int64, authz.Principal, bool) {
	orgID, ok := int64Param(r, "orgID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return 0, authz.Principal{}, false
	}
	userID, ok := int64Param(r, "userID")
	if !ok {
		httpx.RespondError(w, httpx.ErrValidation)
		return 0, authz.Principal{}, false
	}
	return orgID, authz.Principal{ID: userID, OrganisationID: orgID}, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrImmutable),
		errors.Is(err, authz.ErrInvalidInput), errors.Is(err, authz.ErrInvalidState):
		h.logger.Warn(op, slog.Any("error", err))
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorID(r *http.Request) int64 {
	p, _ := shared.PrincipalFromContext(r.Context())
	return p.ID
}

func int64Param(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = unescaped
		}
	}
	return strings.TrimSpace(v)
}
