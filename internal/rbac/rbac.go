// Package rbac derives a viewer's role on a shared entity and the
// capabilities that role grants.
package rbac

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

const (
	ActionView        Action = "view"
	ActionAddSpots    Action = "add_spots"
	ActionAddComments Action = "add_comments"
	ActionEdit        Action = "edit"
	ActionArchive     Action = "archive"
	ActionDelete      Action = "delete"
	ActionManageUsers Action = "manage_users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor, RoleViewer:
		return action == ActionView || action == ActionAddSpots || action == ActionAddComments
	default:
		return false
	}
}

// Normalize maps a stored member role onto a grantable role. Unknown values
// fall back to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Grantable reports whether role may be handed out through membership.
// Ownership only ever comes from creating the entity.
func Grantable(role Role) bool {
	return role == RoleEditor || role == RoleViewer
}

// Roster is the member list of a team or project an entity belongs to.
type Roster []string

func (r Roster) Has(userID string) bool {
	for _, id := range r {
		if id == userID {
			return true
		}
	}
	return false
}

// Resource is the authorization-relevant view of a loop, team or project.
type Resource struct {
	CreatedBy string
	Members   map[string]Role
	// Inherited lists the rosters of the team and project a loop is filed
	// under; belonging to one grants editor.
	Inherited []Roster
}

// RoleOf resolves viewerID's role on r: the creator is owner regardless of
// member records, then an explicit member record, then inherited editor.
func RoleOf(viewerID string, r Resource) Role {
	if viewerID == "" {
		return RoleNone
	}
	if r.CreatedBy == viewerID {
		return RoleOwner
	}
	if role, ok := r.Members[viewerID]; ok {
		return role
	}
	for _, roster := range r.Inherited {
		if roster.Has(viewerID) {
			return RoleEditor
		}
	}
	return RoleNone
}

func CanView(role Role) bool        { return Can(role, ActionView) }
func CanEdit(role Role) bool        { return Can(role, ActionEdit) }
func CanManageUsers(role Role) bool { return Can(role, ActionManageUsers) }
func CanDelete(role Role) bool      { return Can(role, ActionDelete) }
func CanArchive(role Role) bool     { return Can(role, ActionArchive) }
func CanAddSpots(role Role) bool    { return Can(role, ActionAddSpots) }
func CanAddComments(role Role) bool { return Can(role, ActionAddComments) }

// IsCreator gates per-object actions: only the original author may edit a
// spot or comment, whatever their role on the loop.
func IsCreator(viewerID, createdBy string) bool {
	return viewerID != "" && viewerID == createdBy
}

func CanEditSpot(viewerID, createdBy string) bool    { return IsCreator(viewerID, createdBy) }
func CanEditComment(viewerID, createdBy string) bool { return IsCreator(viewerID, createdBy) }
func CanManageLoop(viewerID, createdBy string) bool  { return IsCreator(viewerID, createdBy) }
