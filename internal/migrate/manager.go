// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed sql/*.sql
var embedded embed.FS

const defaultVersionTable = "goose_db_version"

// Migrations returns the embedded migration files rooted at their directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Manager executes the embedded SQL migrations.
type Manager struct {
	provider *goose.Provider
}

// Option configures Manager.
type Option func(*settings)

type settings struct {
	table string
	fsys  fs.FS
}

// WithVersionTable overrides the default bookkeeping table.
func WithVersionTable(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.table = name
		}
	}
}

// WithFS replaces the embedded migrations, mostly for tests.
func WithFS(fsys fs.FS) Option {
	return func(s *settings) {
		if fsys != nil {
			s.fsys = fsys
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: database connection unavailable")
	}
	s := settings{table: defaultVersionTable, fsys: Migrations()}
	for _, opt := range opts {
		opt(&s)
	}
	store, err := database.NewStore(database.DialectPostgres, s.table)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider("", db, s.fsys, goose.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Manager{provider: p}, nil
}

// Up applies all pending migrations and returns the versions it applied.
func (m *Manager) Up(ctx context.Context) ([]int64, error) {
	results, err := m.provider.Up(ctx)
	var applied []int64
	for _, r := range results {
		if r != nil && r.Source != nil && r.Error == nil {
			applied = append(applied, r.Source.Version)
		}
	}
	if err != nil {
		return applied, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (int64, error) {
	r, err := m.provider.Down(ctx)
	if err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return 0, fmt.Errorf("rollback migration: %w", err)
	}
	if err != nil || r == nil || r.Source == nil {
		return 0, errors.New("no migrations applied")
	}
	return r.Source.Version, nil
}

// Migration is one row of Status output.
type Migration struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Status lists every known migration in version order.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	st, err := m.provider.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(st))
	for _, s := range st {
		out = append(out, Migration{
			Version:   s.Source.Version,
			Name:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}
