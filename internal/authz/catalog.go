package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TemplateInput describes an organisation-scoped template to create or update.
type TemplateInput struct {
	OrganisationID int64    `validate:"required,gt=0"`
	Name           string   `validate:"required,max=64"`
	DisplayName    string   `validate:"max=128"`
	Description    string   `validate:"max=1024"`
	Level          int      `validate:"gte=0,lte=1000"`
	Permissions    []string `validate:"dive,required"`
}

// TemplateSpec describes a system template maintained by SyncSystemTemplates.
type TemplateSpec struct {
	Name        string
	DisplayName string
	Description string
	Level       int
	Permissions []string
}

// SyncReport summarises a system template sync.
type SyncReport struct {
	Created []string
	Updated []string
}

// Catalog manages role templates and their instantiation as organisation roles.
type Catalog struct {
	repo      Repository
	cache     *cacheLayer
	registry  *Registry
	validator *validator.Validate
	logger    *slog.Logger
}

// Template loads a template by id.
func (c *Catalog) Template(ctx context.Context, templateID int64) (RoleTemplate, error) {
	return cached(ctx, c.cache, keyTemplate(templateID), func(ctx context.Context) (RoleTemplate, error) {
		return c.repo.GetTemplate(ctx, templateID)
	})
}

func (c *Catalog) scoped(ctx context.Context, orgID *int64) ([]RoleTemplate, error) {
	return cached(ctx, c.cache, keyTemplates(orgID), func(ctx context.Context) ([]RoleTemplate, error) {
		return c.repo.ListTemplates(ctx, orgID)
	})
}

// ListAll returns every template across organisations, system templates included.
func (c *Catalog) ListAll(ctx context.Context) ([]RoleTemplate, error) {
	return cached(ctx, c.cache, keyTemplatesAll(), func(ctx context.Context) ([]RoleTemplate, error) {
		return c.repo.ListAllTemplates(ctx)
	})
}

// ListTemplates returns the organisation's own templates followed by the system templates.
// A same-named pair is returned as two rows; GetTemplate applies the shadowing rule.
func (c *Catalog) ListTemplates(ctx context.Context, orgID int64) ([]RoleTemplate, error) {
	own, err := c.scoped(ctx, &orgID)
	if err != nil {
		return nil, err
	}
	system, err := c.scoped(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]RoleTemplate, 0, len(own)+len(system))
	out = append(out, own...)
	return append(out, system...), nil
}

// GetTemplate resolves a template name in an organisation. An organisation template shadows a
// system template with the same name.
func (c *Catalog) GetTemplate(ctx context.Context, name string, orgID int64) (RoleTemplate, error) {
	name = strings.TrimSpace(name)
	own, err := c.scoped(ctx, &orgID)
	if err != nil {
		return RoleTemplate{}, err
	}
	for _, t := range own {
		if t.Name == name {
			return t, nil
		}
	}
	system, err := c.scoped(ctx, nil)
	if err != nil {
		return RoleTemplate{}, err
	}
	for _, t := range system {
		if t.Name == name {
			return t, nil
		}
	}
	return RoleTemplate{}, notFound("template", name)
}

// CreateTemplate creates an organisation template and its permission bundle in one transaction.
func (c *Catalog) CreateTemplate(ctx context.Context, in TemplateInput) (RoleTemplate, error) {
	if err := c.validateInput(in); err != nil {
		return RoleTemplate{}, err
	}
	orgID := in.OrganisationID
	var created RoleTemplate
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if _, err := tx.GetOrganisation(ctx, orgID); err != nil {
			return err
		}
		permIDs, err := c.registry.resolveNames(ctx, in.Permissions)
		if err != nil {
			return err
		}
		created, err = tx.CreateTemplate(ctx, RoleTemplate{
			Name:           strings.TrimSpace(in.Name),
			DisplayName:    strings.TrimSpace(in.DisplayName),
			Description:    strings.TrimSpace(in.Description),
			Level:          in.Level,
			OrganisationID: &orgID,
		})
		if err != nil {
			return err
		}
		if err := tx.SetTemplatePermissions(ctx, created.ID, permIDs); err != nil {
			return err
		}
		created.Permissions = trimNames(in.Permissions)
		return nil
	})
	if err != nil {
		return RoleTemplate{}, rolledBack("create template", err)
	}
	return created, c.cache.evict(ctx, templateKeys(created)...)
}

// UpdateTemplate replaces an organisation template's attributes. A nil Permissions slice keeps
// the current bundle. System templates are rejected with ErrImmutable.
func (c *Catalog) UpdateTemplate(ctx context.Context, templateID int64, in TemplateInput) (RoleTemplate, error) {
	if err := c.validateInput(in); err != nil {
		return RoleTemplate{}, err
	}
	current, err := c.editable(ctx, in.OrganisationID, templateID)
	if err != nil {
		return RoleTemplate{}, err
	}
	updated := current
	updated.Name = strings.TrimSpace(in.Name)
	updated.DisplayName = strings.TrimSpace(in.DisplayName)
	updated.Description = strings.TrimSpace(in.Description)
	updated.Level = in.Level
	err = c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.UpdateTemplate(ctx, updated); err != nil {
			return err
		}
		if in.Permissions == nil {
			return nil
		}
		permIDs, err := c.registry.resolveNames(ctx, in.Permissions)
		if err != nil {
			return err
		}
		updated.Permissions = trimNames(in.Permissions)
		return tx.SetTemplatePermissions(ctx, templateID, permIDs)
	})
	if err != nil {
		return RoleTemplate{}, rolledBack("update template", err)
	}
	return updated, c.cache.evict(ctx, templateKeys(updated)...)
}

// SetTemplatePermissions replaces the bundle of an organisation template.
func (c *Catalog) SetTemplatePermissions(ctx context.Context, orgID, templateID int64, names []string) error {
	current, err := c.editable(ctx, orgID, templateID)
	if err != nil {
		return err
	}
	permIDs, err := c.registry.resolveNames(ctx, names)
	if err != nil {
		return err
	}
	if err := c.repo.SetTemplatePermissions(ctx, templateID, permIDs); err != nil {
		return err
	}
	return c.cache.evict(ctx, templateKeys(current)...)
}

// DeleteTemplate removes an organisation template together with its roles and their assignments.
func (c *Catalog) DeleteTemplate(ctx context.Context, orgID, templateID int64) error {
	current, err := c.editable(ctx, orgID, templateID)
	if err != nil {
		return err
	}
	roles, err := c.repo.ListRoles(ctx, orgID)
	if err != nil {
		return err
	}
	if err := c.repo.DeleteTemplate(ctx, templateID); err != nil {
		return err
	}
	keys := append(templateKeys(current), keyRoles(orgID))
	for _, r := range roles {
		if r.TemplateID == templateID {
			keys = append(keys, keyRole(r.ID))
		}
	}
	return c.cache.evict(ctx, keys...)
}

// Roles returns the roles instantiated in an organisation.
func (c *Catalog) Roles(ctx context.Context, orgID int64) ([]Role, error) {
	return cached(ctx, c.cache, keyRoles(orgID), func(ctx context.Context) ([]Role, error) {
		return c.repo.ListRoles(ctx, orgID)
	})
}

// Role loads a role by id.
func (c *Catalog) Role(ctx context.Context, roleID int64) (Role, error) {
	return cached(ctx, c.cache, keyRole(roleID), func(ctx context.Context) (Role, error) {
		return c.repo.GetRole(ctx, roleID)
	})
}

// CreateOrgRoleFromTemplate returns the organisation's role for tmpl, creating it on first use.
func (c *Catalog) CreateOrgRoleFromTemplate(ctx context.Context, tmpl RoleTemplate, orgID int64) (Role, error) {
	if !tmpl.VisibleTo(orgID) {
		return Role{}, notFound("template", tmpl.ID)
	}
	role, err := c.repo.FindRole(ctx, tmpl.ID, orgID)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Role{}, err
	}
	role, err = c.repo.CreateRole(ctx, Role{OrganisationID: orgID, TemplateID: tmpl.ID})
	if errors.Is(err, ErrConflict) {
		// Lost the insert race; the winner's row is the role.
		return c.repo.FindRole(ctx, tmpl.ID, orgID)
	}
	if err != nil {
		return Role{}, err
	}
	c.logger.Debug("role instantiated",
		slog.Int64("role_id", role.ID), slog.Int64("template_id", tmpl.ID), slog.Int64("organisation_id", orgID))
	return role, c.cache.evict(ctx, keyRoles(orgID), keyRole(role.ID))
}

// ReorderLevels renumbers the listed organisation templates so that earlier entries rank higher.
// The existing set of levels is reused; the whole reorder is rejected if any template is a system
// template or belongs to another organisation.
func (c *Catalog) ReorderLevels(ctx context.Context, orgID int64, templateIDs []int64) error {
	seen := make(map[int64]struct{}, len(templateIDs))
	for _, tid := range templateIDs {
		if _, dup := seen[tid]; dup {
			return fmt.Errorf("%w: template %d listed twice", ErrInvalidInput, tid)
		}
		seen[tid] = struct{}{}
	}
	var touched []RoleTemplate
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		touched = nil
		templates := make([]RoleTemplate, 0, len(templateIDs))
		levels := make([]int, 0, len(templateIDs))
		for _, tid := range templateIDs {
			t, err := tx.GetTemplate(ctx, tid)
			if err != nil {
				return err
			}
			if t.IsSystem {
				return immutable("template", t.ID)
			}
			if !t.OwnedBy(orgID) {
				return notFound("template", tid)
			}
			templates = append(templates, t)
			levels = append(levels, t.Level)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(levels)))
		for i := range templates {
			if templates[i].Level == levels[i] {
				continue
			}
			templates[i].Level = levels[i]
			if err := tx.UpdateTemplate(ctx, templates[i]); err != nil {
				return err
			}
			touched = append(touched, templates[i])
		}
		return nil
	})
	if err != nil {
		return rolledBack("reorder levels", err)
	}
	var keys []string
	for _, t := range touched {
		keys = append(keys, templateKeys(t)...)
	}
	return c.cache.evict(ctx, keys...)
}

// CustomizeSystemRole gives an organisation its own copy of a system template. The copy is
// instantiated as a role flagged OverridesSystem and existing holders of the system role move to it.
func (c *Catalog) CustomizeSystemRole(ctx context.Context, orgID int64, name string) (AssignedRole, error) {
	system, err := c.systemTemplate(ctx, name)
	if err != nil {
		return AssignedRole{}, err
	}
	var (
		result AssignedRole
		sysID  int64
		moved  []int64
	)
	err = c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if _, err := tx.GetOrganisation(ctx, orgID); err != nil {
			return err
		}
		permIDs, err := c.registry.resolveNames(ctx, system.Permissions)
		if err != nil {
			return err
		}
		custom, err := tx.CreateTemplate(ctx, RoleTemplate{
			Name:           system.Name,
			DisplayName:    system.DisplayName,
			Description:    system.Description,
			Level:          system.Level,
			OrganisationID: &orgID,
		})
		if err != nil {
			return err
		}
		if err := tx.SetTemplatePermissions(ctx, custom.ID, permIDs); err != nil {
			return err
		}
		custom.Permissions = append([]string(nil), system.Permissions...)
		sysRole, err := findOrCreateRole(ctx, tx, system.ID, orgID)
		if err != nil {
			return err
		}
		sysID = sysRole.ID
		role, err := tx.CreateRole(ctx, Role{
			OrganisationID:  orgID,
			TemplateID:      custom.ID,
			OverridesSystem: true,
			SystemRoleID:    &sysRole.ID,
		})
		if err != nil {
			return err
		}
		moved, err = tx.MoveAssignments(ctx, sysRole.ID, role.ID)
		if err != nil {
			return err
		}
		result = AssignedRole{Role: role, Template: custom}
		return nil
	})
	if err != nil {
		return AssignedRole{}, rolledBack("customize system role", err)
	}
	c.logger.Info("system role customized",
		slog.String("template", name), slog.Int64("organisation_id", orgID), slog.Int("moved", len(moved)))
	keys := append(templateKeys(result.Template), keyRoles(orgID), keyRole(sysID), keyRole(result.Role.ID))
	keys = append(keys, assignmentKeys(orgID, moved)...)
	return result, c.cache.evict(ctx, keys...)
}

// RevertToSystem discards an organisation's customization of a system template. Holders of the
// customized role move back to the system role.
func (c *Catalog) RevertToSystem(ctx context.Context, orgID int64, name string) error {
	custom, err := c.ownTemplate(ctx, orgID, name)
	if err != nil {
		return err
	}
	var (
		moved  []int64
		roleID int64
		sysID  int64
	)
	err = c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		role, err := tx.FindRole(ctx, custom.ID, orgID)
		if err != nil {
			return err
		}
		if !role.OverridesSystem {
			return fmt.Errorf("%w: template %q does not override a system role", ErrInvalidInput, name)
		}
		roleID = role.ID
		if role.SystemRoleID != nil {
			sysID = *role.SystemRoleID
		} else {
			system, err := c.systemTemplate(ctx, name)
			if err != nil {
				return err
			}
			sysRole, err := findOrCreateRole(ctx, tx, system.ID, orgID)
			if err != nil {
				return err
			}
			sysID = sysRole.ID
		}
		moved, err = tx.MoveAssignments(ctx, role.ID, sysID)
		if err != nil {
			return err
		}
		return tx.DeleteTemplate(ctx, custom.ID)
	})
	if err != nil {
		return rolledBack("revert to system", err)
	}
	c.logger.Info("system role restored",
		slog.String("template", name), slog.Int64("organisation_id", orgID), slog.Int("moved", len(moved)))
	keys := append(templateKeys(custom), keyRoles(orgID), keyRole(roleID), keyRole(sysID))
	keys = append(keys, assignmentKeys(orgID, moved)...)
	return c.cache.evict(ctx, keys...)
}

// SyncSystemTemplates creates or rewrites system templates from specs. It is the privileged
// repair path and the only operation allowed to alter system templates.
func (c *Catalog) SyncSystemTemplates(ctx context.Context, specs []TemplateSpec) (SyncReport, error) {
	for _, spec := range specs {
		for _, name := range spec.Permissions {
			if _, err := c.registry.Ensure(ctx, name, DefaultGuard); err != nil {
				return SyncReport{}, err
			}
		}
	}
	var (
		report  SyncReport
		touched []RoleTemplate
	)
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx Store) error {
		report, touched = SyncReport{}, nil
		existing, err := tx.ListTemplates(ctx, nil)
		if err != nil {
			return err
		}
		byName := make(map[string]RoleTemplate, len(existing))
		for _, t := range existing {
			byName[t.Name] = t
		}
		for _, spec := range specs {
			permIDs, err := c.registry.resolveNames(ctx, spec.Permissions)
			if err != nil {
				return err
			}
			tmpl, ok := byName[spec.Name]
			tmpl.Name = spec.Name
			tmpl.DisplayName = spec.DisplayName
			tmpl.Description = spec.Description
			tmpl.Level = spec.Level
			tmpl.IsSystem = true
			tmpl.OrganisationID = nil
			if ok {
				if err := tx.UpdateTemplate(ctx, tmpl); err != nil {
					return err
				}
				report.Updated = append(report.Updated, spec.Name)
			} else {
				if tmpl, err = tx.CreateTemplate(ctx, tmpl); err != nil {
					return err
				}
				report.Created = append(report.Created, spec.Name)
			}
			if err := tx.SetTemplatePermissions(ctx, tmpl.ID, permIDs); err != nil {
				return err
			}
			touched = append(touched, tmpl)
		}
		return nil
	})
	if err != nil {
		return SyncReport{}, rolledBack("sync system templates", err)
	}
	var keys []string
	for _, t := range touched {
		keys = append(keys, templateKeys(t)...)
	}
	return report, c.cache.evict(ctx, keys...)
}

// assigned joins role ids with their roles and templates. Ids of deleted roles are skipped.
func (c *Catalog) assigned(ctx context.Context, orgID int64, roleIDs []int64) ([]AssignedRole, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	roles, err := c.Roles(ctx, orgID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	out := make([]AssignedRole, 0, len(roleIDs))
	for _, rid := range roleIDs {
		role, ok := byID[rid]
		if !ok {
			continue
		}
		tmpl, err := c.Template(ctx, role.TemplateID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, AssignedRole{Role: role, Template: tmpl})
	}
	return out, nil
}

func (c *Catalog) systemTemplate(ctx context.Context, name string) (RoleTemplate, error) {
	system, err := c.scoped(ctx, nil)
	if err != nil {
		return RoleTemplate{}, err
	}
	for _, t := range system {
		if t.Name == name {
			return t, nil
		}
	}
	return RoleTemplate{}, notFound("system template", name)
}

func (c *Catalog) ownTemplate(ctx context.Context, orgID int64, name string) (RoleTemplate, error) {
	own, err := c.scoped(ctx, &orgID)
	if err != nil {
		return RoleTemplate{}, err
	}
	for _, t := range own {
		if t.Name == name {
			return t, nil
		}
	}
	return RoleTemplate{}, notFound("template", name)
}

// editable loads a template that the organisation may alter.
func (c *Catalog) editable(ctx context.Context, orgID, templateID int64) (RoleTemplate, error) {
	current, err := c.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return RoleTemplate{}, err
	}
	if current.IsSystem {
		return RoleTemplate{}, immutable("template", templateID)
	}
	if !current.OwnedBy(orgID) {
		return RoleTemplate{}, notFound("template", templateID)
	}
	return current, nil
}

func (c *Catalog) validateInput(in TemplateInput) error {
	if err := c.validator.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch strings.TrimSpace(in.Name) {
	case TemplateAdmin, TemplateSuperAdmin:
		return fmt.Errorf("%w: template name %q is reserved", ErrInvalidInput, in.Name)
	}
	if numeric(in.Name) {
		return fmt.Errorf("%w: template name %q must not be numeric", ErrInvalidInput, in.Name)
	}
	return nil
}

func findOrCreateRole(ctx context.Context, tx Store, templateID, orgID int64) (Role, error) {
	role, err := tx.FindRole(ctx, templateID, orgID)
	if errors.Is(err, ErrNotFound) {
		return tx.CreateRole(ctx, Role{OrganisationID: orgID, TemplateID: templateID})
	}
	return role, err
}

func assignmentKeys(orgID int64, userIDs []int64) []string {
	keys := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		keys = append(keys, keyAssignments(orgID, uid))
	}
	return keys
}

func trimNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
