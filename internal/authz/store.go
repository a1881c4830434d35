package authz

import "context"

// Store is the persistence contract shared by the Postgres repository and the memory store.
// Lookups return ErrNotFound for missing rows and inserts return ErrConflict on uniqueness violations.
type Store interface {
	GetOrganisation(ctx context.Context, id int64) (Organisation, error)
	ListOrganisations(ctx context.Context) ([]Organisation, error)
	ListOrganisationMembers(ctx context.Context, orgID int64) ([]int64, error)

	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, name, guard string) (Permission, error)

	GetTemplate(ctx context.Context, id int64) (RoleTemplate, error)
	// ListTemplates returns templates owned by orgID, or system templates when orgID is nil.
	ListTemplates(ctx context.Context, orgID *int64) ([]RoleTemplate, error)
	ListAllTemplates(ctx context.Context) ([]RoleTemplate, error)
	CreateTemplate(ctx context.Context, tmpl RoleTemplate) (RoleTemplate, error)
	UpdateTemplate(ctx context.Context, tmpl RoleTemplate) error
	SetTemplatePermissions(ctx context.Context, templateID int64, permissionIDs []int64) error
	DeleteTemplate(ctx context.Context, id int64) error

	GetRole(ctx context.Context, id int64) (Role, error)
	FindRole(ctx context.Context, templateID, orgID int64) (Role, error)
	ListRoles(ctx context.Context, orgID int64) ([]Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)

	AssignmentExists(ctx context.Context, a RoleAssignment) (bool, error)
	InsertAssignment(ctx context.Context, a RoleAssignment) error
	DeleteAssignments(ctx context.Context, a RoleAssignment) (int64, error)
	ListAssignedRoleIDs(ctx context.Context, modelType string, modelID, orgID int64) ([]int64, error)
	// MoveAssignments re-points every edge of one role at another, dropping edges already present
	// on the target, and returns the affected model ids.
	MoveAssignments(ctx context.Context, fromRoleID, toRoleID int64) ([]int64, error)

	GetOverride(ctx context.Context, userID, permissionID, orgID int64) (PermissionOverride, error)
	ListOverrides(ctx context.Context, userID, orgID int64) ([]PermissionOverride, error)
	UpsertOverride(ctx context.Context, o PermissionOverride) error
	DeleteOverride(ctx context.Context, userID, permissionID, orgID int64) (int64, error)
}

// Repository adds transactional execution to Store.
type Repository interface {
	Store
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error
}
