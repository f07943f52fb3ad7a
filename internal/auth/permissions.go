package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
)

// Roles lists every valid role in descending privilege order.
var Roles = []Role{RoleAdmin, RoleManager, RoleMember}

// ParseRole accepts exactly one of the known role tags.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
	return role, nil
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// Capability is a permission granted wholesale to a role.
type Capability string

const (
	CapManageUsers Capability = "manage_users"
	CapManageTasks Capability = "manage_tasks"
	CapAssignTasks Capability = "assign_tasks"
)

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	manageUsers bool
	manageTasks bool
	assignTasks bool
}

var capabilityTable = map[Role]CapabilitySet{
	RoleAdmin:   {manageUsers: true, manageTasks: true, assignTasks: true},
	RoleManager: {manageTasks: true, assignTasks: true},
	RoleMember:  {},
}

// Capabilities returns the fixed capability set of role. Unknown roles get nothing.
func Capabilities(role Role) CapabilitySet {
	return capabilityTable[role]
}

// RoleHas reports whether role carries capability c.
func RoleHas(role Role, c Capability) bool {
	return Capabilities(role).Has(c)
}

func (s CapabilitySet) Has(c Capability) bool {
	switch c {
	case CapManageUsers:
		return s.manageUsers
	case CapManageTasks:
		return s.manageTasks
	case CapAssignTasks:
		return s.assignTasks
	}
	return false
}

// List returns the granted capabilities sorted by name.
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, c := range []Capability{CapManageUsers, CapManageTasks, CapAssignTasks} {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
