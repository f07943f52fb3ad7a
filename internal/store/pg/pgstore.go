package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/obs"
	"teamboard.org/internal/reset"
	"teamboard.org/internal/users"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	pendingIndex = "password_reset_requests_one_pending"

	// serializes audit appends so the hash chain has a single tail
	auditChainLock int64 = 0x7465616d61756474
)

// Store is the PostgreSQL implementation of the workflow, audit and user stores.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Resets() reset.Store { return resetStore{s} }

func (s *Store) AuditLog() audit.Store { return auditStore{s} }

func (s *Store) Users() users.Store { return userStore{s} }

// inTx runs fn in a read-committed transaction. Row locks and compare-and-set
// updates provide the isolation the workflow needs.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	ctx, end := obs.StartSpan(ctx, "pg.tx")
	defer func() { end(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// placeholders accumulates positional arguments for dynamic where clauses.
type placeholders struct {
	conds []string
	args  []any
}

func (p *placeholders) add(cond string, v any) {
	p.args = append(p.args, v)
	p.conds = append(p.conds, fmt.Sprintf(cond, len(p.args)))
}

func (p *placeholders) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(p.conds, " and ")
}
