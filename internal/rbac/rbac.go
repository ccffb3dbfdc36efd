package rbac

type Role string
type Action string

// Mode is the access mode requested when fetching a comment.
type Mode string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionAdmin   Action = "admin"
)

const (
	ModeRead   Mode = "read"
	ModeUpdate Mode = "update"
	ModeDelete Mode = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Mutates reports whether the mode changes the comment, which restricts
// access to the author and admins.
func (m Mode) Mutates() bool {
	return m == ModeUpdate || m == ModeDelete
}

func (m Mode) Valid() bool {
	switch m {
	case ModeRead, ModeUpdate, ModeDelete:
		return true
	default:
		return false
	}
}
