package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/obs"
	"teamboard.org/internal/reset"
)

const requestColumns = `id, user_id, token, status, reason, approver_id, admin_notes,
	created_at, approved_at, completed_at, expires_at`

func scanRequest(row rowScanner) (*reset.Request, error) {
	var (
		r                   reset.Request
		status              string
		approver            sql.NullString
		approved, completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Token, &status, &r.Reason, &approver, &r.AdminNotes,
		&r.CreatedAt, &approved, &completed, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reset.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = reset.Status(status)
	r.ApproverID = approver.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.ApprovedAt = timePtr(approved)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

type resetStore struct{ s *Store }

func (rs resetStore) InTx(ctx context.Context, fn func(reset.Tx) error) error {
	return rs.s.inTx(ctx, func(tx *sql.Tx) error { return fn(resetTx{tx}) })
}

func (rs resetStore) Get(ctx context.Context, id string) (_ *reset.Request, err error) {
	ctx, end := obs.StartDBSpan(ctx, "password_reset_requests", "SELECT")
	defer func() { end(err) }()
	return scanRequest(rs.s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from password_reset_requests where id = $1`, id))
}

func (rs resetStore) List(ctx context.Context, f reset.ListFilter) (_ []*reset.Request, err error) {
	ctx, end := obs.StartDBSpan(ctx, "password_reset_requests", "SELECT")
	defer func() { end(err) }()

	var p placeholders
	if f.Status != "" {
		p.add("status = $%d", string(f.Status))
	}
	if f.UserID != "" {
		p.add("user_id = $%d", f.UserID)
	}
	query := `select ` + requestColumns + ` from password_reset_requests` + p.where() +
		` order by created_at desc, id desc`
	if f.Limit > 0 {
		p.args = append(p.args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(p.args))
	}

	rows, err := rs.s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reset.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDecoy(row rowScanner) (*reset.Decoy, error) {
	var d reset.Decoy
	err := row.Scan(&d.ID, &d.Digest, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reset.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func (rs resetStore) GetDecoy(ctx context.Context, id string) (_ *reset.Decoy, err error) {
	ctx, end := obs.StartDBSpan(ctx, "password_reset_decoys", "SELECT")
	defer func() { end(err) }()
	return scanDecoy(rs.s.db.QueryRowContext(ctx,
		`select id, email_digest, created_at from password_reset_decoys where id = $1`, id))
}

type resetTx struct{ tx *sql.Tx }

func (x resetTx) PendingForUser(ctx context.Context, userID string) (*reset.Request, error) {
	return scanRequest(x.tx.QueryRowContext(ctx, `
		select `+requestColumns+`
		from password_reset_requests
		where user_id = $1 and status = $2
		for update
	`, userID, string(reset.StatusPending)))
}

func (x resetTx) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := x.tx.QueryRowContext(ctx,
		`select exists(select 1 from password_reset_requests where token = $1)`, token).Scan(&exists)
	return exists, err
}

func (x resetTx) Insert(ctx context.Context, r *reset.Request) error {
	_, err := x.tx.ExecContext(ctx, `
		insert into password_reset_requests
			(id, user_id, token, status, reason, approver_id, admin_notes,
			 created_at, approved_at, completed_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.UserID, r.Token, string(r.Status), r.Reason, nullIfEmpty(r.ApproverID), r.AdminNotes,
		r.CreatedAt, nullTime(r.ApprovedAt), nullTime(r.CompletedAt), r.ExpiresAt)
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == pendingIndex:
			return reset.ErrPendingExists
		case pgErr.Code == pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (x resetTx) LockByID(ctx context.Context, id string) (*reset.Request, error) {
	return scanRequest(x.tx.QueryRowContext(ctx,
		`select `+requestColumns+` from password_reset_requests where id = $1 for update`, id))
}

func (x resetTx) LockByToken(ctx context.Context, token string) (*reset.Request, error) {
	return scanRequest(x.tx.QueryRowContext(ctx,
		`select `+requestColumns+` from password_reset_requests where token = $1 for update`, token))
}

// Update writes the mutable fields of r only if the stored status is still prev.
func (x resetTx) Update(ctx context.Context, r *reset.Request, prev reset.Status) error {
	res, err := x.tx.ExecContext(ctx, `
		update password_reset_requests
		set status = $3, approver_id = $4, admin_notes = $5,
			approved_at = $6, completed_at = $7, expires_at = $8
		where id = $1 and status = $2
	`, r.ID, string(prev), string(r.Status), nullIfEmpty(r.ApproverID), r.AdminNotes,
		nullTime(r.ApprovedAt), nullTime(r.CompletedAt), r.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s is no longer %s", reset.ErrConflict, r.ID, prev)
	}
	return nil
}

// SetCredential only writes active accounts.
func (x resetTx) SetCredential(ctx context.Context, userID, passwordHash string) error {
	res, err := x.tx.ExecContext(ctx,
		`update users set password_hash = $2, updated_at = now() where id = $1 and is_active`, userID, passwordHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var active bool
	err = x.tx.QueryRowContext(ctx, `select is_active from users where id = $1`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: account %s is inactive", reset.ErrConflict, userID)
}

func (x resetTx) EnsureDecoy(ctx context.Context, d reset.Decoy) (*reset.Decoy, error) {
	if _, err := x.tx.ExecContext(ctx, `
		insert into password_reset_decoys (id, email_digest, created_at)
		values ($1, $2, $3)
		on conflict (email_digest) do nothing
	`, d.ID, d.Digest, d.CreatedAt); err != nil {
		return nil, err
	}
	return scanDecoy(x.tx.QueryRowContext(ctx,
		`select id, email_digest, created_at from password_reset_decoys where email_digest = $1`, d.Digest))
}

func (x resetTx) Audit() audit.Writer { return auditWriter{x.tx} }
