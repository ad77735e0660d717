package authz

import "context"

// Role is the access level a user holds on one project or catalog,
// totally ordered OWNER > EDITOR > VIEWER.
type Role string

const (
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleOwner  Role = "OWNER"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
}

func (r Role) Known() bool {
	_, ok := roleRank[r]

	return ok
}

// AtLeast reports whether the role grants everything the required role
// grants. Unknown roles never satisfy anything.
func (r Role) AtLeast(required Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}

	requiredRank, ok := roleRank[required]
	if !ok {
		return false
	}

	return rank >= requiredRank
}

type ResourceKind string

const (
	KindProject ResourceKind = "project"
	KindCatalog ResourceKind = "catalog"
)

// RoleStore looks up the current role assignment for a user on a resource.
// Every call is a fresh read; assignments can change between two events
// from the same connection, so implementations must not cache.
type RoleStore interface {
	GetRole(ctx context.Context, userId string, resourceId int64, kind ResourceKind) (Role, bool, error)
}
