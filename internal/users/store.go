package users

import (
	"context"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
)

// Store runs user mutations in one transaction together with their audit entry.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view of the user directory. LockUser returns
// auth.ErrNotFound for unknown ids.
type Tx interface {
	LockUser(ctx context.Context, id string) (*auth.Actor, error)
	// UpdateUser and InsertUser fail with ErrConflict when the email is taken.
	UpdateUser(ctx context.Context, u *auth.Actor) error
	InsertUser(ctx context.Context, u *auth.Actor) error
	// DeleteUser also drops the user's reset requests.
	DeleteUser(ctx context.Context, id string) error
	Audit() audit.Writer
}
