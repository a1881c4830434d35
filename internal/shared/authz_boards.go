package shared

// Board and task permissions declared for the tenant workspace.
const (
	// Board permissions
	PermBoardView   = "view board"
	PermBoardCreate = "create board"
	PermBoardEdit   = "edit board"
	PermBoardDelete = "delete board"

	// Task permissions
	PermTaskView   = "view task"
	PermTaskCreate = "create task"
	PermTaskEdit   = "edit task"
	PermTaskDelete = "delete task"
	PermTaskAssign = "assign task"

	// Comment permissions
	PermCommentCreate = "create comment"
	PermCommentDelete = "delete comment"

	// Tag and attachment permissions
	PermTagManage        = "manage tags"
	PermAttachmentUpload = "upload attachment"
)

// BoardScopes lists all permissions related to boards and their content.
func BoardScopes() []string {
	return []string{
		PermBoardView,
		PermBoardCreate,
		PermBoardEdit,
		PermBoardDelete,
		PermTaskView,
		PermTaskCreate,
		PermTaskEdit,
		PermTaskDelete,
		PermTaskAssign,
		PermCommentCreate,
		PermCommentDelete,
		PermTagManage,
		PermAttachmentUpload,
	}
}

// AllScopes lists every permission the seed command registers.
func AllScopes() []string {
	return append(CoreScopes(), BoardScopes()...)
}
