package auth

import "time"

// Actor is a user account as seen by the access core.
type Actor struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	Active       bool      `json:"is_active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Task is the minimal view of a task needed for per-resource checks.
type Task struct {
	ID         string
	AssigneeID string
}

// CanEditTask: admins and managers edit anything, members only what is assigned to them.
func CanEditTask(task Task, actor *Actor) bool {
	if actor == nil || actor.ID == "" {
		return false
	}
	switch actor.Role {
	case RoleAdmin, RoleManager:
		return true
	case RoleMember:
		return task.AssigneeID != "" && task.AssigneeID == actor.ID
	}
	return false
}

// CanDeleteTask reports whether actor may delete task. Only admins and managers can.
func CanDeleteTask(_ Task, actor *Actor) bool {
	if actor == nil || actor.ID == "" {
		return false
	}
	return actor.Role == RoleAdmin || actor.Role == RoleManager
}
