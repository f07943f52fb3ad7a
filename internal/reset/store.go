package reset

import (
	"context"

	"teamboard.org/internal/audit"
)

// Store persists reset requests. InTx runs fn as one all-or-nothing unit that
// rolls back when fn fails or ctx is cancelled before commit.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, id string) (*Request, error)
	// List returns matching requests newest first.
	List(ctx context.Context, f ListFilter) ([]*Request, error)
	// GetDecoy returns ErrNotFound when id names no decoy.
	GetDecoy(ctx context.Context, id string) (*Decoy, error)
}

// Tx is the transactional view used by the workflow. Lookups return
// ErrNotFound when nothing matches.
type Tx interface {
	PendingForUser(ctx context.Context, userID string) (*Request, error)
	TokenExists(ctx context.Context, token string) (bool, error)
	// Insert fails with ErrPendingExists if the user already has a pending request.
	Insert(ctx context.Context, r *Request) error
	// LockByID and LockByToken hold the row until the transaction ends.
	LockByID(ctx context.Context, id string) (*Request, error)
	LockByToken(ctx context.Context, token string) (*Request, error)
	// Update writes r if its stored status still equals prev, else ErrConflict.
	Update(ctx context.Context, r *Request, prev Status) error
	// SetCredential fails with ErrConflict when the account is inactive.
	SetCredential(ctx context.Context, userID, passwordHash string) error
	// EnsureDecoy stores d unless a decoy with the same digest exists, and
	// returns the stored one either way.
	EnsureDecoy(ctx context.Context, d Decoy) (*Decoy, error)
	Audit() audit.Writer
}
