package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/reset"
)

type resetStore struct{ db *DB }

func (s resetStore) InTx(ctx context.Context, fn func(reset.Tx) error) error {
	return s.db.run(ctx, func(t *tx) error {
		return fn(resetTx{t: t, now: s.db.now})
	})
}

func (s resetStore) Get(_ context.Context, id string) (*reset.Request, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.st.requests[id]
	if !ok {
		return nil, reset.ErrNotFound
	}
	return r.Clone(), nil
}

func (s resetStore) List(_ context.Context, f reset.ListFilter) ([]*reset.Request, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*reset.Request
	for _, r := range s.db.st.requests {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s resetStore) GetDecoy(_ context.Context, id string) (*reset.Decoy, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, d := range s.db.st.decoys {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, reset.ErrNotFound
}

type resetTx struct {
	t   *tx
	now func() time.Time
}

func (x resetTx) PendingForUser(_ context.Context, userID string) (*reset.Request, error) {
	for _, r := range x.t.st.requests {
		if r.UserID == userID && r.Status == reset.StatusPending {
			return r.Clone(), nil
		}
	}
	return nil, reset.ErrNotFound
}

func (x resetTx) TokenExists(_ context.Context, token string) (bool, error) {
	_, ok := x.t.st.tokens[token]
	return ok, nil
}

func (x resetTx) Insert(ctx context.Context, r *reset.Request) error {
	if _, ok := x.t.st.requests[r.ID]; ok {
		return fmt.Errorf("reset request %s already exists", r.ID)
	}
	if _, ok := x.t.st.tokens[r.Token]; ok || r.Token == "" {
		return fmt.Errorf("reset token is empty or already used")
	}
	if _, ok := x.t.st.users[r.UserID]; !ok {
		return auth.ErrNotFound
	}
	if r.Status == reset.StatusPending {
		if _, err := x.PendingForUser(ctx, r.UserID); err == nil {
			return reset.ErrPendingExists
		}
	}
	x.t.st.requests[r.ID] = r.Clone()
	x.t.st.tokens[r.Token] = r.ID
	return nil
}

func (x resetTx) LockByID(_ context.Context, id string) (*reset.Request, error) {
	r, ok := x.t.st.requests[id]
	if !ok {
		return nil, reset.ErrNotFound
	}
	return r.Clone(), nil
}

func (x resetTx) LockByToken(ctx context.Context, token string) (*reset.Request, error) {
	id, ok := x.t.st.tokens[token]
	if !ok {
		return nil, reset.ErrNotFound
	}
	return x.LockByID(ctx, id)
}

func (x resetTx) Update(_ context.Context, r *reset.Request, prev reset.Status) error {
	stored, ok := x.t.st.requests[r.ID]
	if !ok {
		return reset.ErrNotFound
	}
	if stored.Status != prev {
		return fmt.Errorf("%w: request %s is %s", reset.ErrConflict, r.ID, stored.Status)
	}
	if stored.Token != r.Token || stored.UserID != r.UserID {
		return fmt.Errorf("reset request %s: token and owner are immutable", r.ID)
	}
	x.t.st.requests[r.ID] = r.Clone()
	return nil
}

func (x resetTx) SetCredential(_ context.Context, userID, passwordHash string) error {
	u, ok := x.t.st.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	if !u.Active {
		return fmt.Errorf("%w: account %s is inactive", reset.ErrConflict, userID)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = x.now().UTC()
	return nil
}

func (x resetTx) EnsureDecoy(_ context.Context, d reset.Decoy) (*reset.Decoy, error) {
	if d.ID == "" || d.Digest == "" {
		return nil, fmt.Errorf("decoy id and digest are required")
	}
	if stored, ok := x.t.st.decoys[d.Digest]; ok {
		cp := *stored
		return &cp, nil
	}
	stored := d
	x.t.st.decoys[d.Digest] = &stored
	cp := d
	return &cp, nil
}

func (x resetTx) Audit() audit.Writer { return auditWriter{x.t} }
