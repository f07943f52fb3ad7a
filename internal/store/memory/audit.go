package memory

import (
	"context"
	"fmt"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/users"
)

type auditStore struct{ db *DB }

func (s auditStore) InTx(ctx context.Context, fn func(audit.Writer) error) error {
	return s.db.run(ctx, func(t *tx) error { return fn(auditWriter{t}) })
}

func (s auditStore) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []audit.Entry
	entries := s.db.st.entries
	for i := len(entries) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.Match(entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

func (s auditStore) Chain(_ context.Context, limit int) ([]audit.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := len(s.db.st.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]audit.Entry(nil), s.db.st.entries[:n]...), nil
}

type userStore struct{ db *DB }

func (s userStore) InTx(ctx context.Context, fn func(users.Tx) error) error {
	return s.db.run(ctx, func(t *tx) error { return fn(userTx{t}) })
}

type userTx struct{ t *tx }

func (x userTx) LockUser(_ context.Context, id string) (*auth.Actor, error) {
	u, ok := x.t.st.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (x userTx) UpdateUser(_ context.Context, u *auth.Actor) error {
	stored, ok := x.t.st.users[u.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if owner, ok := x.t.st.emails[u.Email]; ok && owner != u.ID {
		return fmt.Errorf("%w: email %s already in use", users.ErrConflict, u.Email)
	}
	if stored.Email != u.Email {
		delete(x.t.st.emails, stored.Email)
		x.t.st.emails[u.Email] = u.ID
	}
	cp := *u
	x.t.st.users[u.ID] = &cp
	return nil
}

func (x userTx) InsertUser(_ context.Context, u *auth.Actor) error {
	if _, ok := x.t.st.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	if _, ok := x.t.st.emails[u.Email]; ok {
		return fmt.Errorf("%w: email %s already in use", users.ErrConflict, u.Email)
	}
	cp := *u
	x.t.st.users[u.ID] = &cp
	x.t.st.emails[u.Email] = u.ID
	return nil
}

// DeleteUser mirrors the foreign keys: the user's requests go with it and
// requests it decided lose their approver.
func (x userTx) DeleteUser(_ context.Context, id string) error {
	u, ok := x.t.st.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(x.t.st.emails, u.Email)
	delete(x.t.st.users, id)
	for rid, r := range x.t.st.requests {
		switch {
		case r.UserID == id:
			delete(x.t.st.tokens, r.Token)
			delete(x.t.st.requests, rid)
		case r.ApproverID == id:
			r.ApproverID = ""
		}
	}
	return nil
}

func (x userTx) Audit() audit.Writer { return auditWriter{x.t} }
