package authz

import (
	"sort"
	"time"
)

// Template names that bypass permission checks inside their organisation.
const (
	TemplateAdmin      = "admin"
	TemplateSuperAdmin = "super-admin"
)

// ModelTypeUser is the principal type recorded on role assignments for users.
const ModelTypeUser = "user"

// DefaultGuard is the guard stored on permissions created without one.
const DefaultGuard = "web"

// Organisation is the tenant boundary.
type Organisation struct {
	ID        int64
	Name      string
	OwnerID   *int64
	DeletedAt *time.Time
	CreatedAt time.Time
}

// IsOwner reports whether userID is the recorded owner.
func (o Organisation) IsOwner(userID int64) bool {
	return o.OwnerID != nil && *o.OwnerID == userID
}

// Permission is a catalog entry naming an atomic capability.
type Permission struct {
	ID    int64
	Name  string
	Guard string
}

// RoleTemplate is a reusable permission bundle. A nil OrganisationID marks a system-wide template.
type RoleTemplate struct {
	ID             int64
	Name           string
	DisplayName    string
	Description    string
	Level          int
	IsSystem       bool
	OrganisationID *int64
	Permissions    []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsGlobal reports whether the template is visible to every organisation.
func (t RoleTemplate) IsGlobal() bool {
	return t.OrganisationID == nil
}

// OwnedBy reports whether the template belongs to the organisation.
func (t RoleTemplate) OwnedBy(orgID int64) bool {
	return t.OrganisationID != nil && *t.OrganisationID == orgID
}

// VisibleTo reports whether the template may be instantiated in the organisation.
func (t RoleTemplate) VisibleTo(orgID int64) bool {
	return t.IsGlobal() || t.OwnedBy(orgID)
}

// HasPermission reports whether the bundle contains the permission name.
func (t RoleTemplate) HasPermission(name string) bool {
	for _, p := range t.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// IsBypass reports whether holders of this template pass every non-denied check.
func (t RoleTemplate) IsBypass() bool {
	return t.Name == TemplateAdmin || t.Name == TemplateSuperAdmin
}

// Role is a template instantiated inside one organisation.
type Role struct {
	ID              int64
	OrganisationID  int64
	TemplateID      int64
	OverridesSystem bool
	SystemRoleID    *int64
	CreatedAt       time.Time
}

// AssignedRole joins a role with the template it was instantiated from.
type AssignedRole struct {
	Role     Role
	Template RoleTemplate
}

// RoleAssignment links a principal to a role within an organisation.
type RoleAssignment struct {
	RoleID         int64
	ModelID        int64
	ModelType      string
	OrganisationID int64
}

// PermissionOverride is an explicit per-user grant (Grant=true) or deny (Grant=false).
type PermissionOverride struct {
	UserID         int64
	PermissionID   int64
	OrganisationID int64
	Grant          bool
}

// Principal carries the identity of the authenticated actor.
type Principal struct {
	ID             int64
	OrganisationID int64
}

// PermissionSet is a set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the names in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
