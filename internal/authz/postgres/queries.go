package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/authz/internal/authz"
)

type queries struct {
	db dbtx
}

const organisationColumns = `id, name, owner_id, deleted_at, created_at`

func scanOrganisation(row pgx.Row) (authz.Organisation, error) {
	var org authz.Organisation
	err := row.Scan(&org.ID, &org.Name, &org.OwnerID, &org.DeletedAt, &org.CreatedAt)
	return org, err
}

func (q *queries) GetOrganisation(ctx context.Context, id int64) (authz.Organisation, error) {
	org, err := scanOrganisation(q.db.QueryRow(ctx,
		`SELECT `+organisationColumns+` FROM organisations WHERE id = $1`, id))
	return org, mapErr("get organisation", err)
}

func (q *queries) ListOrganisations(ctx context.Context) ([]authz.Organisation, error) {
	rows, err := q.db.Query(ctx, `SELECT `+organisationColumns+` FROM organisations ORDER BY id`)
	if err != nil {
		return nil, mapErr("list organisations", err)
	}
	defer rows.Close()
	var out []authz.Organisation
	for rows.Next() {
		org, err := scanOrganisation(rows)
		if err != nil {
			return nil, mapErr("scan organisation", err)
		}
		out = append(out, org)
	}
	return out, mapErr("list organisations", rows.Err())
}

func (q *queries) ListOrganisationMembers(ctx context.Context, orgID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
SELECT id FROM users WHERE organisation_id = $1
UNION
SELECT model_id FROM role_assignments WHERE organisation_id = $1 AND model_type = $2
ORDER BY 1`, orgID, authz.ModelTypeUser)
	if err != nil {
		return nil, mapErr("list members", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapErr("list members", err)
}

func (q *queries) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name, guard FROM permissions ORDER BY id`)
	if err != nil {
		return nil, mapErr("list permissions", err)
	}
	defer rows.Close()
	var out []authz.Permission
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Guard); err != nil {
			return nil, mapErr("scan permission", err)
		}
		out = append(out, p)
	}
	return out, mapErr("list permissions", rows.Err())
}

func (q *queries) CreatePermission(ctx context.Context, name, guard string) (authz.Permission, error) {
	var p authz.Permission
	err := q.db.QueryRow(ctx, `
INSERT INTO permissions (name, guard) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, guard`, name, guard).Scan(&p.ID, &p.Name, &p.Guard)
	return p, mapErr("create permission", err)
}

const templateColumns = `id, name, display_name, description, level, is_system, organisation_id, created_at, updated_at`

func scanTemplate(row pgx.Row) (authz.RoleTemplate, error) {
	var t authz.RoleTemplate
	err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Description, &t.Level, &t.IsSystem,
		&t.OrganisationID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (q *queries) GetTemplate(ctx context.Context, id int64) (authz.RoleTemplate, error) {
	t, err := scanTemplate(q.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM role_templates WHERE id = $1`, id))
	if err != nil {
		return authz.RoleTemplate{}, mapErr("get template", err)
	}
	out := []authz.RoleTemplate{t}
	if err := q.attachBundles(ctx, out); err != nil {
		return authz.RoleTemplate{}, err
	}
	return out[0], nil
}

func (q *queries) ListTemplates(ctx context.Context, orgID *int64) ([]authz.RoleTemplate, error) {
	if orgID == nil {
		return q.listTemplates(ctx, `WHERE organisation_id IS NULL`)
	}
	return q.listTemplates(ctx, `WHERE organisation_id = $1`, *orgID)
}

func (q *queries) ListAllTemplates(ctx context.Context) ([]authz.RoleTemplate, error) {
	return q.listTemplates(ctx, ``)
}

func (q *queries) listTemplates(ctx context.Context, where string, args ...any) ([]authz.RoleTemplate, error) {
	rows, err := q.db.Query(ctx, `SELECT `+templateColumns+` FROM role_templates `+where+` ORDER BY level DESC, id`, args...)
	if err != nil {
		return nil, mapErr("list templates", err)
	}
	defer rows.Close()
	var out []authz.RoleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, mapErr("scan template", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list templates", err)
	}
	rows.Close()
	return out, q.attachBundles(ctx, out)
}

// attachBundles fills Permissions in bundle order.
func (q *queries) attachBundles(ctx context.Context, templates []authz.RoleTemplate) error {
	if len(templates) == 0 {
		return nil
	}
	ids := make([]int64, len(templates))
	index := make(map[int64]int, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
		index[t.ID] = i
		templates[i].Permissions = []string{}
	}
	rows, err := q.db.Query(ctx, `
SELECT rtp.template_id, p.name
FROM role_template_permissions rtp
JOIN permissions p ON p.id = rtp.permission_id
WHERE rtp.template_id = ANY($1)
ORDER BY rtp.template_id, rtp.position`, ids)
	if err != nil {
		return mapErr("load bundles", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			templateID int64
			name       string
		)
		if err := rows.Scan(&templateID, &name); err != nil {
			return mapErr("scan bundle", err)
		}
		i := index[templateID]
		templates[i].Permissions = append(templates[i].Permissions, name)
	}
	return mapErr("load bundles", rows.Err())
}

func (q *queries) CreateTemplate(ctx context.Context, tmpl authz.RoleTemplate) (authz.RoleTemplate, error) {
	t, err := scanTemplate(q.db.QueryRow(ctx, `
INSERT INTO role_templates (name, display_name, description, level, is_system, organisation_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+templateColumns,
		tmpl.Name, tmpl.DisplayName, tmpl.Description, tmpl.Level, tmpl.IsSystem, tmpl.OrganisationID))
	if err != nil {
		return authz.RoleTemplate{}, mapErr("create template", err)
	}
	t.Permissions = []string{}
	return t, nil
}

func (q *queries) UpdateTemplate(ctx context.Context, tmpl authz.RoleTemplate) error {
	tag, err := q.db.Exec(ctx, `
UPDATE role_templates
SET name = $2, display_name = $3, description = $4, level = $5, is_system = $6, updated_at = NOW()
WHERE id = $1`, tmpl.ID, tmpl.Name, tmpl.DisplayName, tmpl.Description, tmpl.Level, tmpl.IsSystem)
	if err != nil {
		return mapErr("update template", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("update template", pgx.ErrNoRows)
	}
	return nil
}

func (q *queries) SetTemplatePermissions(ctx context.Context, templateID int64, permissionIDs []int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM role_template_permissions WHERE template_id = $1`, templateID); err != nil {
		return mapErr("clear bundle", err)
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
INSERT INTO role_template_permissions (template_id, permission_id, position)
SELECT $1, t.pid, t.ord
FROM unnest($2::bigint[]) WITH ORDINALITY AS t(pid, ord)`, templateID, permissionIDs)
	return mapErr("set bundle", err)
}

func (q *queries) DeleteTemplate(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM role_templates WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete template", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("delete template", pgx.ErrNoRows)
	}
	return nil
}

const roleColumns = `id, organisation_id, template_id, overrides_system, system_role_id, created_at`

func scanRole(row pgx.Row) (authz.Role, error) {
	var r authz.Role
	err := row.Scan(&r.ID, &r.OrganisationID, &r.TemplateID, &r.OverridesSystem, &r.SystemRoleID, &r.CreatedAt)
	return r, err
}

func (q *queries) GetRole(ctx context.Context, id int64) (authz.Role, error) {
	r, err := scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	return r, mapErr("get role", err)
}

func (q *queries) FindRole(ctx context.Context, templateID, orgID int64) (authz.Role, error) {
	r, err := scanRole(q.db.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE template_id = $1 AND organisation_id = $2`, templateID, orgID))
	return r, mapErr("find role", err)
}

func (q *queries) ListRoles(ctx context.Context, orgID int64) ([]authz.Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE organisation_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, mapErr("list roles", err)
	}
	defer rows.Close()
	var out []authz.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, mapErr("scan role", err)
		}
		out = append(out, r)
	}
	return out, mapErr("list roles", rows.Err())
}

func (q *queries) CreateRole(ctx context.Context, role authz.Role) (authz.Role, error) {
	r, err := scanRole(q.db.QueryRow(ctx, `
INSERT INTO roles (organisation_id, template_id, overrides_system, system_role_id)
VALUES ($1, $2, $3, $4)
RETURNING `+roleColumns, role.OrganisationID, role.TemplateID, role.OverridesSystem, role.SystemRoleID))
	return r, mapErr("create role", err)
}

func (q *queries) AssignmentExists(ctx context.Context, a authz.RoleAssignment) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM role_assignments
    WHERE role_id = $1 AND model_id = $2 AND model_type = $3 AND organisation_id = $4
)`, a.RoleID, a.ModelID, a.ModelType, a.OrganisationID).Scan(&exists)
	return exists, mapErr("assignment exists", err)
}

// InsertAssignment is a plain insert; the unique constraint reports a racing duplicate as ErrConflict.
func (q *queries) InsertAssignment(ctx context.Context, a authz.RoleAssignment) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO role_assignments (role_id, model_id, model_type, organisation_id)
VALUES ($1, $2, $3, $4)`, a.RoleID, a.ModelID, a.ModelType, a.OrganisationID)
	return mapErr("insert assignment", err)
}

func (q *queries) DeleteAssignments(ctx context.Context, a authz.RoleAssignment) (int64, error) {
	tag, err := q.db.Exec(ctx, `
DELETE FROM role_assignments
WHERE role_id = $1 AND model_id = $2 AND model_type = $3 AND organisation_id = $4`,
		a.RoleID, a.ModelID, a.ModelType, a.OrganisationID)
	if err != nil {
		return 0, mapErr("delete assignment", err)
	}
	return tag.RowsAffected(), nil
}

func (q *queries) ListAssignedRoleIDs(ctx context.Context, modelType string, modelID, orgID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
SELECT role_id FROM role_assignments
WHERE model_type = $1 AND model_id = $2 AND organisation_id = $3
ORDER BY role_id`, modelType, modelID, orgID)
	if err != nil {
		return nil, mapErr("list assigned roles", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapErr("list assigned roles", err)
}

func (q *queries) MoveAssignments(ctx context.Context, fromRoleID, toRoleID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
WITH moved AS (
    DELETE FROM role_assignments WHERE role_id = $1
    RETURNING model_id, model_type, organisation_id
), inserted AS (
    INSERT INTO role_assignments (role_id, model_id, model_type, organisation_id)
    SELECT $2, model_id, model_type, organisation_id FROM moved
    ON CONFLICT DO NOTHING
)
SELECT DISTINCT model_id FROM moved ORDER BY model_id`, fromRoleID, toRoleID)
	if err != nil {
		return nil, mapErr("move assignments", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapErr("move assignments", err)
}

func (q *queries) GetOverride(ctx context.Context, userID, permissionID, orgID int64) (authz.PermissionOverride, error) {
	o := authz.PermissionOverride{UserID: userID, PermissionID: permissionID, OrganisationID: orgID}
	err := q.db.QueryRow(ctx, `
SELECT is_granted FROM permission_overrides
WHERE user_id = $1 AND permission_id = $2 AND organisation_id = $3`, userID, permissionID, orgID).Scan(&o.Grant)
	return o, mapErr("get override", err)
}

func (q *queries) ListOverrides(ctx context.Context, userID, orgID int64) ([]authz.PermissionOverride, error) {
	rows, err := q.db.Query(ctx, `
SELECT permission_id, is_granted FROM permission_overrides
WHERE user_id = $1 AND organisation_id = $2
ORDER BY permission_id`, userID, orgID)
	if err != nil {
		return nil, mapErr("list overrides", err)
	}
	defer rows.Close()
	var out []authz.PermissionOverride
	for rows.Next() {
		o := authz.PermissionOverride{UserID: userID, OrganisationID: orgID}
		if err := rows.Scan(&o.PermissionID, &o.Grant); err != nil {
			return nil, mapErr("scan override", err)
		}
		out = append(out, o)
	}
	return out, mapErr("list overrides", rows.Err())
}

// UpsertOverride flips is_granted in place so a triple never holds a grant and a deny at once.
func (q *queries) UpsertOverride(ctx context.Context, o authz.PermissionOverride) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO permission_overrides (user_id, permission_id, organisation_id, is_granted)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, permission_id, organisation_id)
DO UPDATE SET is_granted = EXCLUDED.is_granted, updated_at = NOW()`,
		o.UserID, o.PermissionID, o.OrganisationID, o.Grant)
	return mapErr("upsert override", err)
}

func (q *queries) DeleteOverride(ctx context.Context, userID, permissionID, orgID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `
DELETE FROM permission_overrides
WHERE user_id = $1 AND permission_id = $2 AND organisation_id = $3`, userID, permissionID, orgID)
	if err != nil {
		return 0, mapErr("delete override", err)
	}
	return tag.RowsAffected(), nil
}
