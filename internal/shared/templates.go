package shared

import "github.com/odyssey-erp/authz/internal/authz"

// BaselineTemplate is the role every organisation member is expected to hold.
const BaselineTemplate = "member"

// SystemTemplates returns the system role templates maintained by the seed command.
func SystemTemplates() []authz.TemplateSpec {
	return []authz.TemplateSpec{
		{
			Name:        authz.TemplateSuperAdmin,
			DisplayName: "Super Admin",
			Description: "Unrestricted access inside the organisation.",
			Level:       100,
			Permissions: AllScopes(),
		},
		{
			Name:        authz.TemplateAdmin,
			DisplayName: "Admin",
			Description: "Manages members, roles and every board.",
			Level:       80,
			Permissions: AllScopes(),
		},
		{
			Name:        "manager",
			DisplayName: "Manager",
			Description: "Runs boards and assigns work.",
			Level:       50,
			Permissions: append([]string{PermMembersView, PermRolesView}, BoardScopes()...),
		},
		{
			Name:        BaselineTemplate,
			DisplayName: "Member",
			Description: "Works on tasks in shared boards.",
			Level:       20,
			Permissions: []string{
				PermBoardView,
				PermTaskView,
				PermTaskCreate,
				PermTaskEdit,
				PermCommentCreate,
				PermAttachmentUpload,
			},
		},
		{
			Name:        "viewer",
			DisplayName: "Viewer",
			Description: "Read-only access to boards.",
			Level:       10,
			Permissions: []string{PermBoardView, PermTaskView},
		},
	}
}
