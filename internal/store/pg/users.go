package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/ids"
	"teamboard.org/internal/users"
)

const userColumns = `id, email, role, is_active, password_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.Actor, error) {
	var (
		u    auth.Actor
		role string
	)
	err := row.Scan(&u.ID, &u.Email, &role, &u.Active, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// unknown tags stay as-is; the gate treats them as having nothing
	u.Role = auth.Role(role)
	return &u, nil
}

// FindByEmail implements auth.Directory.
func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email = $1`,
		strings.ToLower(strings.TrimSpace(email))))
}

// FindByID implements auth.Directory.
func (s *Store) FindByID(ctx context.Context, id string) (*auth.Actor, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

// ListByRole implements auth.Directory.
func (s *Store) ListByRole(ctx context.Context, role auth.Role) ([]*auth.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where role = $1 order by email`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Actor
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureUser inserts a when no user owns its email and returns the stored row.
func (s *Store) EnsureUser(ctx context.Context, a auth.Actor) (*auth.Actor, error) {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.Email == "" {
		return nil, errors.New("email is required")
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", auth.ErrInvalidRole, a.Role)
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into users (id, email, role, is_active, password_hash)
		values ($1, $2, $3, $4, $5)
		on conflict (email) do nothing
	`, a.ID, a.Email, string(a.Role), a.Active, a.PasswordHash); err != nil {
		return nil, err
	}
	return s.FindByEmail(ctx, a.Email)
}

type userStore struct{ s *Store }

func (u userStore) InTx(ctx context.Context, fn func(users.Tx) error) error {
	return u.s.inTx(ctx, func(tx *sql.Tx) error { return fn(userTx{tx}) })
}

type userTx struct{ tx *sql.Tx }

func (x userTx) LockUser(ctx context.Context, id string) (*auth.Actor, error) {
	return scanUser(x.tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for update`, id))
}

func (x userTx) UpdateUser(ctx context.Context, u *auth.Actor) error {
	res, err := x.tx.ExecContext(ctx, `
		update users
		set email = $2, role = $3, is_active = $4, password_hash = $5, updated_at = $6
		where id = $1
	`, u.ID, u.Email, string(u.Role), u.Active, u.PasswordHash, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email %s already in use", users.ErrConflict, u.Email)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (x userTx) InsertUser(ctx context.Context, u *auth.Actor) error {
	_, err := x.tx.ExecContext(ctx, `
		insert into users (id, email, role, is_active, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Email, string(u.Role), u.Active, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: email %s already in use", users.ErrConflict, u.Email)
	}
	return err
}

// DeleteUser relies on the foreign keys to drop the user's reset requests.
func (x userTx) DeleteUser(ctx context.Context, id string) error {
	res, err := x.tx.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (x userTx) Audit() audit.Writer { return auditWriter{x.tx} }
