package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionPropose Action = "propose"
	ActionReview  Action = "review"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionEdit || action == ActionPropose || action == ActionReview
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionPropose
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
