package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/obs"
)

const auditColumns = `id, actor_id, action, target_id, description, metadata,
	ip_address, user_agent, created_at, prev_hash, hash`

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e                        audit.Entry
		action                   string
		actor, target, ip, agent sql.NullString
		meta                     []byte
	)
	if err := row.Scan(&e.ID, &actor, &action, &target, &e.Description, &meta,
		&ip, &agent, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
		return audit.Entry{}, err
	}
	e.ActorID = actor.String
	e.Action = audit.Action(action)
	e.TargetID = target.String
	e.IPAddress = ip.String
	e.UserAgent = agent.String
	e.CreatedAt = e.CreatedAt.UTC()
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Entry{}, fmt.Errorf("audit entry %s metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type auditStore struct{ s *Store }

func (as auditStore) InTx(ctx context.Context, fn func(audit.Writer) error) error {
	return as.s.inTx(ctx, func(tx *sql.Tx) error { return fn(auditWriter{tx}) })
}

func (as auditStore) Query(ctx context.Context, f audit.Filter) (_ []audit.Entry, err error) {
	ctx, end := obs.StartDBSpan(ctx, "audit_log", "SELECT")
	defer func() { end(err) }()

	var p placeholders
	switch {
	case f.System:
		p.conds = append(p.conds, "actor_id is null")
	case f.ActorID != "":
		p.add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		p.add("action = $%d", string(f.Action))
	}
	if f.TargetID != "" {
		p.add("target_id = $%d", f.TargetID)
	}
	if !f.Since.IsZero() {
		p.add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		p.add("created_at < $%d", f.Until)
	}
	query := `select ` + auditColumns + ` from audit_log` + p.where() + ` order by seq desc`
	if f.Limit > 0 {
		p.args = append(p.args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(p.args))
	}

	rows, err := as.s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (as auditStore) Chain(ctx context.Context, limit int) (_ []audit.Entry, err error) {
	ctx, end := obs.StartDBSpan(ctx, "audit_log", "SELECT")
	defer func() { end(err) }()

	query := `select ` + auditColumns + ` from audit_log order by seq asc`
	var args []any
	if limit > 0 {
		query += ` limit $1`
		args = append(args, limit)
	}
	rows, err := as.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// auditWriter appends to audit_log inside the caller's transaction.
type auditWriter struct{ tx *sql.Tx }

// LastHash takes the chain lock for the rest of the transaction, so the
// returned tail cannot move until commit.
func (w auditWriter) LastHash(ctx context.Context) (string, error) {
	if _, err := w.tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return "", err
	}
	var hash string
	err := w.tx.QueryRowContext(ctx, `select hash from audit_log order by seq desc limit 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (w auditWriter) Append(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" || e.Hash == "" {
		return errors.New("audit entry is not sealed")
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("audit entry metadata: %w", err)
		}
	}
	_, err := w.tx.ExecContext(ctx, `
		insert into audit_log
			(id, actor_id, action, target_id, description, metadata,
			 ip_address, user_agent, created_at, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, nullIfEmpty(e.ActorID), string(e.Action), nullIfEmpty(e.TargetID), e.Description, meta,
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), e.CreatedAt, e.PrevHash, e.Hash)
	return err
}
