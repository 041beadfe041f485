package rbac

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleCommenter Role = "commenter"
	RoleTrusted   Role = "trusted"
	RoleModerator Role = "moderator"
)

const (
	ActionComment                 Action = "comment"
	ActionPostWithoutConfirmation Action = "post_without_confirmation"
	ActionModerate                Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleModerator:
		return true
	case RoleTrusted:
		return action == ActionComment || action == ActionPostWithoutConfirmation
	case RoleCommenter, RoleAnonymous:
		return action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnonymous, RoleCommenter, RoleTrusted, RoleModerator:
		return Role(role)
	default:
		return RoleCommenter
	}
}
