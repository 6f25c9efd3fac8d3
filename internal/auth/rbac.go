package auth

import (
	"net/http"
	"sort"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

// Permission names one gated operation.
type Permission string

const (
	PermCreateProject   Permission = "create_project"
	PermUpdateProject   Permission = "update_project"
	PermDeleteProject   Permission = "delete_project"
	PermCreateMilestone Permission = "create_milestone"
	PermUpdateMilestone Permission = "update_milestone"
	PermDeleteMilestone Permission = "delete_milestone"
	PermCreateTask      Permission = "create_task"
	PermUpdateTask      Permission = "update_task"
	PermDeleteTask      Permission = "delete_task"
	PermAssignTask      Permission = "assign_task"
	PermManageTeams     Permission = "manage_teams"
	PermManageUsers     Permission = "manage_users"
	PermViewReports     Permission = "view_reports"
)

func set(perms ...Permission) map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

// rolePermissions is fixed at build time. Roles missing here have no permissions.
var rolePermissions = map[entity.Role]map[Permission]struct{}{
	entity.RoleAdmin: set(
		PermCreateProject, PermUpdateProject, PermDeleteProject,
		PermCreateMilestone, PermUpdateMilestone, PermDeleteMilestone,
		PermCreateTask, PermUpdateTask, PermDeleteTask, PermAssignTask,
		PermManageTeams, PermManageUsers, PermViewReports,
	),
	entity.RoleProjectManager: set(
		PermCreateProject, PermUpdateProject,
		PermCreateMilestone, PermUpdateMilestone, PermDeleteMilestone,
		PermCreateTask, PermUpdateTask, PermDeleteTask, PermAssignTask,
		PermManageTeams, PermViewReports,
	),
	entity.RoleTeamMember: set(
		PermUpdateTask,
	),
}

// HasPermission reports whether role holds p.
func HasPermission(role entity.Role, p Permission) bool {
	_, ok := rolePermissions[role][p]
	return ok
}

// PermissionsFor lists the permissions of role in a stable order.
func PermissionsFor(role entity.Role) []Permission {
	out := make([]Permission, 0, len(rolePermissions[role]))
	for p := range rolePermissions[role] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleTable lists every role with its permissions.
func RoleTable() map[entity.Role][]Permission {
	out := make(map[entity.Role][]Permission, len(rolePermissions))
	for role := range rolePermissions {
		out[role] = PermissionsFor(role)
	}
	return out
}

// Authorize requires the identity's role to hold every permission in required.
func Authorize(id Identity, required ...Permission) error {
	for _, p := range required {
		if !HasPermission(id.Role, p) {
			return ErrForbidden
		}
	}
	return nil
}

// RequirePermission gates a handler on Authorize. It expects the identity
// attached by the authentication middleware.
func RequirePermission(required ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return WithIdentity(func(w http.ResponseWriter, r *http.Request, id Identity) {
			if err := Authorize(id, required...); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
