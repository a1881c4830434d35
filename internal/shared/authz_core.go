package shared

// Permissions guarding the authorization API itself.
const (
	PermMembersView     = "view members"
	PermRolesView       = "view roles"
	PermRolesEdit       = "edit roles"
	PermPermissionsView = "view permissions"
	PermPermissionsEdit = "edit permissions"
)

// CoreScopes lists all permissions related to role and permission administration.
func CoreScopes() []string {
	return []string{
		PermMembersView,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsEdit,
	}
}
