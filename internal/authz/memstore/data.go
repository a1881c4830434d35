package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/authz/internal/authz"
)

func (d *data) getOrganisation(id int64) (authz.Organisation, error) {
	org, ok := d.orgs[id]
	if !ok {
		return authz.Organisation{}, authz.ErrNotFound
	}
	return org, nil
}

func (d *data) listOrganisations() []authz.Organisation {
	out := make([]authz.Organisation, 0, len(d.orgs))
	for _, org := range d.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *data) listMembers(orgID int64) []int64 {
	return sortedIDs(append([]int64(nil), d.members[orgID]...))
}

func (d *data) listPermissions() []authz.Permission {
	out := make([]authz.Permission, 0, len(d.perms))
	for _, p := range d.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *data) createPermission(name, guard string) authz.Permission {
	for _, p := range d.perms {
		if p.Name == name {
			return p
		}
	}
	p := authz.Permission{ID: d.next(), Name: name, Guard: guard}
	d.perms[p.ID] = p
	return p
}

// withBundle fills Permissions with names in bundle order.
func (d *data) withBundle(t authz.RoleTemplate) authz.RoleTemplate {
	ids := d.bundles[t.ID]
	t.Permissions = make([]string, 0, len(ids))
	for _, pid := range ids {
		if p, ok := d.perms[pid]; ok {
			t.Permissions = append(t.Permissions, p.Name)
		}
	}
	return t
}

func (d *data) getTemplate(id int64) (authz.RoleTemplate, error) {
	t, ok := d.templates[id]
	if !ok {
		return authz.RoleTemplate{}, authz.ErrNotFound
	}
	return d.withBundle(t), nil
}

func (d *data) listTemplates(orgID *int64, all bool) []authz.RoleTemplate {
	out := make([]authz.RoleTemplate, 0)
	for _, t := range d.templates {
		switch {
		case all:
		case orgID == nil && t.OrganisationID == nil:
		case orgID != nil && t.OwnedBy(*orgID):
		default:
			continue
		}
		out = append(out, d.withBundle(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sameScope(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (d *data) nameTaken(name string, orgID *int64, except int64) bool {
	for _, t := range d.templates {
		if t.ID != except && t.Name == name && sameScope(t.OrganisationID, orgID) {
			return true
		}
	}
	return false
}

func (d *data) createTemplate(tmpl authz.RoleTemplate) (authz.RoleTemplate, error) {
	if tmpl.OrganisationID != nil {
		if _, ok := d.orgs[*tmpl.OrganisationID]; !ok {
			return authz.RoleTemplate{}, authz.ErrNotFound
		}
	}
	if d.nameTaken(tmpl.Name, tmpl.OrganisationID, 0) {
		return authz.RoleTemplate{}, authz.ErrConflict
	}
	now := time.Now().UTC()
	tmpl.ID = d.next()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now
	if tmpl.OrganisationID != nil {
		org := *tmpl.OrganisationID
		tmpl.OrganisationID = &org
	}
	tmpl.Permissions = nil
	d.templates[tmpl.ID] = tmpl
	return d.withBundle(tmpl), nil
}

func (d *data) updateTemplate(tmpl authz.RoleTemplate) error {
	current, ok := d.templates[tmpl.ID]
	if !ok {
		return authz.ErrNotFound
	}
	if d.nameTaken(tmpl.Name, current.OrganisationID, tmpl.ID) {
		return authz.ErrConflict
	}
	current.Name = tmpl.Name
	current.DisplayName = tmpl.DisplayName
	current.Description = tmpl.Description
	current.Level = tmpl.Level
	current.IsSystem = tmpl.IsSystem
	current.UpdatedAt = time.Now().UTC()
	d.templates[tmpl.ID] = current
	return nil
}

func (d *data) setBundle(templateID int64, permissionIDs []int64) error {
	if _, ok := d.templates[templateID]; !ok {
		return authz.ErrNotFound
	}
	for _, pid := range permissionIDs {
		if _, ok := d.perms[pid]; !ok {
			return authz.ErrNotFound
		}
	}
	d.bundles[templateID] = append([]int64(nil), permissionIDs...)
	return nil
}

func (d *data) deleteTemplate(id int64) error {
	if _, ok := d.templates[id]; !ok {
		return authz.ErrNotFound
	}
	delete(d.templates, id)
	delete(d.bundles, id)
	for rid, r := range d.roles {
		if r.TemplateID != id {
			continue
		}
		delete(d.roles, rid)
		for a := range d.assignments {
			if a.RoleID == rid {
				delete(d.assignments, a)
			}
		}
		for other, o := range d.roles {
			if o.SystemRoleID != nil && *o.SystemRoleID == rid {
				o.SystemRoleID = nil
				d.roles[other] = o
			}
		}
	}
	return nil
}

func (d *data) getRole(id int64) (authz.Role, error) {
	r, ok := d.roles[id]
	if !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	return r, nil
}

func (d *data) findRole(templateID, orgID int64) (authz.Role, error) {
	for _, r := range d.roles {
		if r.TemplateID == templateID && r.OrganisationID == orgID {
			return r, nil
		}
	}
	return authz.Role{}, authz.ErrNotFound
}

func (d *data) listRoles(orgID int64) []authz.Role {
	out := make([]authz.Role, 0)
	for _, r := range d.roles {
		if r.OrganisationID == orgID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *data) createRole(role authz.Role) (authz.Role, error) {
	if _, ok := d.orgs[role.OrganisationID]; !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	if _, ok := d.templates[role.TemplateID]; !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	if _, err := d.findRole(role.TemplateID, role.OrganisationID); err == nil {
		return authz.Role{}, authz.ErrConflict
	}
	role.ID = d.next()
	role.CreatedAt = time.Now().UTC()
	if role.SystemRoleID != nil {
		sys := *role.SystemRoleID
		role.SystemRoleID = &sys
	}
	d.roles[role.ID] = role
	return role, nil
}

func (d *data) insertAssignment(a authz.RoleAssignment) error {
	if _, ok := d.roles[a.RoleID]; !ok {
		return authz.ErrNotFound
	}
	if _, ok := d.assignments[a]; ok {
		return authz.ErrConflict
	}
	d.assignments[a] = struct{}{}
	return nil
}

func (d *data) deleteAssignment(a authz.RoleAssignment) int64 {
	if _, ok := d.assignments[a]; !ok {
		return 0
	}
	delete(d.assignments, a)
	return 1
}

func (d *data) assignedRoleIDs(modelType string, modelID, orgID int64) []int64 {
	out := make([]int64, 0)
	for a := range d.assignments {
		if a.ModelType == modelType && a.ModelID == modelID && a.OrganisationID == orgID {
			out = append(out, a.RoleID)
		}
	}
	return sortedIDs(out)
}

func (d *data) moveAssignments(fromRoleID, toRoleID int64) []int64 {
	if fromRoleID == toRoleID {
		return nil
	}
	var edges []authz.RoleAssignment
	for a := range d.assignments {
		if a.RoleID == fromRoleID {
			edges = append(edges, a)
		}
	}
	seen := make(map[int64]struct{})
	moved := make([]int64, 0, len(edges))
	for _, a := range edges {
		delete(d.assignments, a)
		target := a
		target.RoleID = toRoleID
		d.assignments[target] = struct{}{}
		if _, ok := seen[a.ModelID]; !ok {
			seen[a.ModelID] = struct{}{}
			moved = append(moved, a.ModelID)
		}
	}
	return sortedIDs(moved)
}

func (d *data) getOverride(userID, permissionID, orgID int64) (authz.PermissionOverride, error) {
	grant, ok := d.overrides[overrideKey{userID, permissionID, orgID}]
	if !ok {
		return authz.PermissionOverride{}, authz.ErrNotFound
	}
	return authz.PermissionOverride{UserID: userID, PermissionID: permissionID, OrganisationID: orgID, Grant: grant}, nil
}

func (d *data) listOverrides(userID, orgID int64) []authz.PermissionOverride {
	out := make([]authz.PermissionOverride, 0)
	for k, grant := range d.overrides {
		if k.user == userID && k.org == orgID {
			out = append(out, authz.PermissionOverride{UserID: k.user, PermissionID: k.permission, OrganisationID: k.org, Grant: grant})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out
}

func (d *data) upsertOverride(o authz.PermissionOverride) error {
	if _, ok := d.perms[o.PermissionID]; !ok {
		return authz.ErrNotFound
	}
	if _, ok := d.orgs[o.OrganisationID]; !ok {
		return authz.ErrNotFound
	}
	d.overrides[overrideKey{o.UserID, o.PermissionID, o.OrganisationID}] = o.Grant
	return nil
}

func (d *data) deleteOverride(userID, permissionID, orgID int64) int64 {
	k := overrideKey{userID, permissionID, orgID}
	if _, ok := d.overrides[k]; !ok {
		return 0
	}
	delete(d.overrides, k)
	return 1
}

// txStore serves the calls made inside WithTx against the working copy.
type txStore struct {
	store *Store
	d     *data
}

func (t *txStore) GetOrganisation(ctx context.Context, id int64) (authz.Organisation, error) {
	if err := t.store.record("GetOrganisation"); err != nil {
		return authz.Organisation{}, err
	}
	return t.d.getOrganisation(id)
}

func (t *txStore) ListOrganisations(ctx context.Context) ([]authz.Organisation, error) {
	if err := t.store.record("ListOrganisations"); err != nil {
		return nil, err
	}
	return t.d.listOrganisations(), nil
}

func (t *txStore) ListOrganisationMembers(ctx context.Context, orgID int64) ([]int64, error) {
	if err := t.store.record("ListOrganisationMembers"); err != nil {
		return nil, err
	}
	return t.d.listMembers(orgID), nil
}

func (t *txStore) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	if err := t.store.record("ListPermissions"); err != nil {
		return nil, err
	}
	return t.d.listPermissions(), nil
}

func (t *txStore) CreatePermission(ctx context.Context, name, guard string) (authz.Permission, error) {
	if err := t.store.record("CreatePermission"); err != nil {
		return authz.Permission{}, err
	}
	return t.d.createPermission(name, guard), nil
}

func (t *txStore) GetTemplate(ctx context.Context, id int64) (authz.RoleTemplate, error) {
	if err := t.store.record("GetTemplate"); err != nil {
		return authz.RoleTemplate{}, err
	}
	return t.d.getTemplate(id)
}

func (t *txStore) ListTemplates(ctx context.Context, orgID *int64) ([]authz.RoleTemplate, error) {
	if err := t.store.record("ListTemplates"); err != nil {
		return nil, err
	}
	return t.d.listTemplates(orgID, false), nil
}

func (t *txStore) ListAllTemplates(ctx context.Context) ([]authz.RoleTemplate, error) {
	if err := t.store.record("ListAllTemplates"); err != nil {
		return nil, err
	}
	return t.d.listTemplates(nil, true), nil
}

func (t *txStore) CreateTemplate(ctx context.Context, tmpl authz.RoleTemplate) (authz.RoleTemplate, error) {
	if err := t.store.record("CreateTemplate"); err != nil {
		return authz.RoleTemplate{}, err
	}
	return t.d.createTemplate(tmpl)
}

func (t *txStore) UpdateTemplate(ctx context.Context, tmpl authz.RoleTemplate) error {
	if err := t.store.record("UpdateTemplate"); err != nil {
		return err
	}
	return t.d.updateTemplate(tmpl)
}

func (t *txStore) SetTemplatePermissions(ctx context.Context, templateID int64, permissionIDs []int64) error {
	if err := t.store.record("SetTemplatePermissions"); err != nil {
		return err
	}
	return t.d.setBundle(templateID, permissionIDs)
}

func (t *txStore) DeleteTemplate(ctx context.Context, id int64) error {
	if err := t.store.record("DeleteTemplate"); err != nil {
		return err
	}
	return t.d.deleteTemplate(id)
}

func (t *txStore) GetRole(ctx context.Context, id int64) (authz.Role, error) {
	if err := t.store.record("GetRole"); err != nil {
		return authz.Role{}, err
	}
	return t.d.getRole(id)
}

func (t *txStore) FindRole(ctx context.Context, templateID, orgID int64) (authz.Role, error) {
	if err := t.store.record("FindRole"); err != nil {
		return authz.Role{}, err
	}
	return t.d.findRole(templateID, orgID)
}

func (t *txStore) ListRoles(ctx context.Context, orgID int64) ([]authz.Role, error) {
	if err := t.store.record("ListRoles"); err != nil {
		return nil, err
	}
	return t.d.listRoles(orgID), nil
}

func (t *txStore) CreateRole(ctx context.Context, role authz.Role) (authz.Role, error) {
	if err := t.store.record("CreateRole"); err != nil {
		return authz.Role{}, err
	}
	return t.d.createRole(role)
}

func (t *txStore) AssignmentExists(ctx context.Context, a authz.RoleAssignment) (bool, error) {
	if err := t.store.record("AssignmentExists"); err != nil {
		return false, err
	}
	_, ok := t.d.assignments[a]
	return ok, nil
}

func (t *txStore) InsertAssignment(ctx context.Context, a authz.RoleAssignment) error {
	if err := t.store.record("InsertAssignment"); err != nil {
		return err
	}
	return t.d.insertAssignment(a)
}

func (t *txStore) DeleteAssignments(ctx context.Context, a authz.RoleAssignment) (int64, error) {
	if err := t.store.record("DeleteAssignments"); err != nil {
		return 0, err
	}
	return t.d.deleteAssignment(a), nil
}

func (t *txStore) ListAssignedRoleIDs(ctx context.Context, modelType string, modelID, orgID int64) ([]int64, error) {
	if err := t.store.record("ListAssignedRoleIDs"); err != nil {
		return nil, err
	}
	return t.d.assignedRoleIDs(modelType, modelID, orgID), nil
}

func (t *txStore) MoveAssignments(ctx context.Context, fromRoleID, toRoleID int64) ([]int64, error) {
	if err := t.store.record("MoveAssignments"); err != nil {
		return nil, err
	}
	return t.d.moveAssignments(fromRoleID, toRoleID), nil
}

func (t *txStore) GetOverride(ctx context.Context, userID, permissionID, orgID int64) (authz.PermissionOverride, error) {
	if err := t.store.record("GetOverride"); err != nil {
		return authz.PermissionOverride{}, err
	}
	return t.d.getOverride(userID, permissionID, orgID)
}

func (t *txStore) ListOverrides(ctx context.Context, userID, orgID int64) ([]authz.PermissionOverride, error) {
	if err := t.store.record("ListOverrides"); err != nil {
		return nil, err
	}
	return t.d.listOverrides(userID, orgID), nil
}

func (t *txStore) UpsertOverride(ctx context.Context, o authz.PermissionOverride) error {
	if err := t.store.record("UpsertOverride"); err != nil {
		return err
	}
	return t.d.upsertOverride(o)
}

func (t *txStore) DeleteOverride(ctx context.Context, userID, permissionID, orgID int64) (int64, error) {
	if err := t.store.record("DeleteOverride"); err != nil {
		return 0, err
	}
	return t.d.deleteOverride(userID, permissionID, orgID), nil
}
