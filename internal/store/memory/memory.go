// Package memory is an in-process store for tests and single-node demos.
// Every transaction runs under one mutex against a cloned snapshot that is
// published only when the transaction function succeeds and the context is
// still live.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/ids"
	"teamboard.org/internal/reset"
	"teamboard.org/internal/users"
)

// DB holds users, reset requests, decoys and the audit log.
type DB struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

type state struct {
	users    map[string]*auth.Actor
	emails   map[string]string
	requests map[string]*reset.Request
	tokens   map[string]string
	decoys   map[string]*reset.Decoy
	entries  []audit.Entry
}

func New() *DB {
	return &DB{
		st: &state{
			users:    map[string]*auth.Actor{},
			emails:   map[string]string{},
			requests: map[string]*reset.Request{},
			tokens:   map[string]string{},
			decoys:   map[string]*reset.Decoy{},
		},
		now: time.Now,
	}
}

// clone copies everything a transaction may overwrite. Audit entries are
// append-only and staged separately, so the slice is shared.
func (s *state) clone() *state {
	cp := &state{
		users:    make(map[string]*auth.Actor, len(s.users)),
		emails:   make(map[string]string, len(s.emails)),
		requests: make(map[string]*reset.Request, len(s.requests)),
		tokens:   make(map[string]string, len(s.tokens)),
		decoys:   make(map[string]*reset.Decoy, len(s.decoys)),
		entries:  s.entries,
	}
	for k, v := range s.users {
		u := *v
		cp.users[k] = &u
	}
	for k, v := range s.emails {
		cp.emails[k] = v
	}
	for k, v := range s.requests {
		cp.requests[k] = v.Clone()
	}
	for k, v := range s.tokens {
		cp.tokens[k] = v
	}
	for k, v := range s.decoys {
		d := *v
		cp.decoys[k] = &d
	}
	return cp
}

type tx struct {
	st     *state
	staged []audit.Entry
}

func (db *DB) run(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t := &tx{st: db.st.clone()}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.st.entries = append(db.st.entries, t.staged...)
	db.st = t.st
	return nil
}

// PutUser inserts or replaces a user. An empty ID is assigned.
func (db *DB) PutUser(a auth.Actor) (*auth.Actor, error) {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.Email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", auth.ErrInvalidRole, a.Role)
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := db.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	db.mu.Lock()
	defer db.mu.Unlock()
	if owner, ok := db.st.emails[a.Email]; ok && owner != a.ID {
		return nil, fmt.Errorf("email %s already in use", a.Email)
	}
	if prev, ok := db.st.users[a.ID]; ok {
		delete(db.st.emails, prev.Email)
	}
	stored := a
	db.st.users[a.ID] = &stored
	db.st.emails[a.Email] = a.ID
	out := a
	return &out, nil
}

// FindByEmail implements auth.Directory.
func (db *DB) FindByEmail(_ context.Context, email string) (*auth.Actor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.st.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, auth.ErrNotFound
	}
	u := *db.st.users[id]
	return &u, nil
}

// FindByID implements auth.Directory.
func (db *DB) FindByID(_ context.Context, id string) (*auth.Actor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.st.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	u := *v
	return &u, nil
}

// ListByRole implements auth.Directory, ordered by email.
func (db *DB) ListByRole(_ context.Context, role auth.Role) ([]*auth.Actor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*auth.Actor
	for _, v := range db.st.users {
		if v.Role == role {
			u := *v
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Resets returns the reset.Store view.
func (db *DB) Resets() reset.Store { return resetStore{db} }

// AuditLog returns the audit.Store view.
func (db *DB) AuditLog() audit.Store { return auditStore{db} }

// Users returns the users.Store view.
func (db *DB) Users() users.Store { return userStore{db} }

// Ping always succeeds.
func (db *DB) Ping(context.Context) error { return nil }

// auditWriter stages entries on the enclosing transaction.
type auditWriter struct{ t *tx }

func (w auditWriter) LastHash(context.Context) (string, error) {
	if n := len(w.t.staged); n > 0 {
		return w.t.staged[n-1].Hash, nil
	}
	if n := len(w.t.st.entries); n > 0 {
		return w.t.st.entries[n-1].Hash, nil
	}
	return "", nil
}

func (w auditWriter) Append(_ context.Context, e *audit.Entry) error {
	if e.ID == "" || e.Hash == "" {
		return fmt.Errorf("audit entry is not sealed")
	}
	w.t.staged = append(w.t.staged, *e)
	return nil
}

// EnsureUser stores a unless its email is already taken, and returns the
// stored user either way.
func (db *DB) EnsureUser(ctx context.Context, a auth.Actor) (*auth.Actor, error) {
	if u, err := db.FindByEmail(ctx, a.Email); err == nil {
		return u, nil
	}
	return db.PutUser(a)
}
