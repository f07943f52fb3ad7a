package audit

import (
	"fmt"
	"strings"
)

// Action is the closed set of audited privileged actions.
type Action string

const (
	ActionCreateUser     Action = "CREATE_USER"
	ActionUpdateUser     Action = "UPDATE_USER"
	ActionDeleteUser     Action = "DELETE_USER"
	ActionChangeRole     Action = "CHANGE_ROLE"
	ActionResetPassword  Action = "RESET_PASSWORD"
	ActionApproveReset   Action = "APPROVE_RESET"
	ActionRejectReset    Action = "REJECT_RESET"
	ActionActivateUser   Action = "ACTIVATE_USER"
	ActionDeactivateUser Action = "DEACTIVATE_USER"
	ActionCreateTask     Action = "CREATE_TASK"
	ActionUpdateTask     Action = "UPDATE_TASK"
	ActionDeleteTask     Action = "DELETE_TASK"
	ActionLogin          Action = "LOGIN"
	ActionLogout         Action = "LOGOUT"
	ActionOther          Action = "OTHER"
)

var actionLabels = map[Action]string{
	ActionCreateUser:     "Created User",
	ActionUpdateUser:     "Updated User",
	ActionDeleteUser:     "Deleted User",
	ActionChangeRole:     "Changed User Role",
	ActionResetPassword:  "Reset User Password",
	ActionApproveReset:   "Approved Password Reset",
	ActionRejectReset:    "Rejected Password Reset",
	ActionActivateUser:   "Activated User",
	ActionDeactivateUser: "Deactivated User",
	ActionCreateTask:     "Created Task",
	ActionUpdateTask:     "Updated Task",
	ActionDeleteTask:     "Deleted Task",
	ActionLogin:          "Admin Login",
	ActionLogout:         "Admin Logout",
	ActionOther:          "Other Action",
}

// ParseAction accepts only the known action tags.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, raw)
	}
	return a, nil
}

func (a Action) Valid() bool {
	_, ok := actionLabels[a]
	return ok
}

// Label returns the human readable name shown in admin screens.
func (a Action) Label() string {
	if l, ok := actionLabels[a]; ok {
		return l
	}
	return string(a)
}

func (a Action) String() string { return string(a) }
