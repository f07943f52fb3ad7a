package auth

import "context"

// Directory is the read side of the user directory.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Actor, error)
	FindByID(ctx context.Context, id string) (*Actor, error)
	ListByRole(ctx context.Context, role Role) ([]*Actor, error)
}

// CredentialWriter replaces a user's password hash. Implementations are bound
// to the caller's transaction.
type CredentialWriter interface {
	SetCredential(ctx context.Context, userID, passwordHash string) error
}
