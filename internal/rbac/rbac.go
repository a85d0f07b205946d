package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers watching presence and locks.
	ActionRead Action = "read"
	// ActionEdit covers publishing own presence and active cell.
	ActionEdit Action = "edit"
	ActionLock Action = "lock"
	// ActionSweep removes other users' expired locks.
	ActionSweep Action = "sweep"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionLock
	case RoleViewer:
		return action == ActionRead || action == ActionEdit
	default:
		return false
	}
}

func rank(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Cap returns role, lowered to limit when it grants more.
func Cap(role, limit Role) Role {
	if rank(role) > rank(limit) {
		return limit
	}
	return role
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
