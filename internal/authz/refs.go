package authz

import (
	"strconv"
	"strings"
)

// RoleRef identifies a role by id, by template name or by value.
type RoleRef interface {
	roleRef()
	String() string
}

type roleByID int64

type roleByName string

type roleByValue Role

func (roleByID) roleRef()    {}
func (roleByName) roleRef()  {}
func (roleByValue) roleRef() {}

func (r roleByID) String() string    { return "role#" + strconv.FormatInt(int64(r), 10) }
func (r roleByName) String() string  { return "role:" + string(r) }
func (r roleByValue) String() string { return "role#" + strconv.FormatInt(r.ID, 10) }

// RoleByID references a role row.
func RoleByID(id int64) RoleRef { return roleByID(id) }

// RoleByName references the role instantiated from the named template in the organisation.
func RoleByName(name string) RoleRef { return roleByName(strings.TrimSpace(name)) }

// RoleByValue references an already loaded role.
func RoleByValue(role Role) RoleRef { return roleByValue(role) }

// numeric reports whether raw parses as an integer. Integers are read as ids from text input, so
// they are never accepted as permission or template names.
func numeric(raw string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return err == nil
}

// ParseRoleRef treats numeric input as a role id and anything else as a template name.
func ParseRoleRef(raw string) RoleRef {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return RoleByID(id)
	}
	return RoleByName(raw)
}

// PermissionRef identifies a permission by id, name or value.
type PermissionRef interface {
	permissionRef()
	String() string
}

type permissionByID int64

type permissionByName string

type permissionByValue Permission

func (permissionByID) permissionRef()    {}
func (permissionByName) permissionRef()  {}
func (permissionByValue) permissionRef() {}

func (p permissionByID) String() string    { return "permission#" + strconv.FormatInt(int64(p), 10) }
func (p permissionByName) String() string  { return string(p) }
func (p permissionByValue) String() string { return p.Name }

// PermissionByID references a permission row.
func PermissionByID(id int64) PermissionRef { return permissionByID(id) }

// PermissionByName references a permission by its catalog name.
func PermissionByName(name string) PermissionRef { return permissionByName(strings.TrimSpace(name)) }

// PermissionByValue references an already loaded permission.
func PermissionByValue(p Permission) PermissionRef { return permissionByValue(p) }

// ParsePermissionRef treats numeric input as an id and anything else as a name.
func ParsePermissionRef(raw string) PermissionRef {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return PermissionByID(id)
	}
	return PermissionByName(raw)
}

// PermissionNames wraps names as references.
func PermissionNames(names ...string) []PermissionRef {
	refs := make([]PermissionRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, PermissionByName(n))
	}
	return refs
}

// OrgRef identifies an organisation by id or value. Both forms are re-read by id.
type OrgRef interface {
	orgID() int64
}

type orgByID int64

type orgByValue Organisation

func (o orgByID) orgID() int64    { return int64(o) }
func (o orgByValue) orgID() int64 { return o.ID }

// OrgByID references an organisation row.
func OrgByID(id int64) OrgRef { return orgByID(id) }

// OrgByValue references an already loaded organisation.
func OrgByValue(org Organisation) OrgRef { return orgByValue(org) }
