package audit

import (
	"context"
	"time"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Entry is an immutable audit record. ActorID is empty for system actions.
type Entry struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actor_id,omitempty"`
	Action      Action         `json:"action"`
	TargetID    string         `json:"target_id,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	Hash        string         `json:"hash"`
}

// System reports whether the entry was produced without a human actor.
func (e Entry) System() bool { return e.ActorID == "" }

// Filter selects entries for Query. Zero fields do not filter.
type Filter struct {
	ActorID  string
	System   bool
	Action   Action
	TargetID string
	Since    time.Time // inclusive
	Until    time.Time // exclusive
	Limit    int
}

// Normalize validates f and clamps its limit.
func (f Filter) Normalize() (Filter, error) {
	if f.Action != "" && !f.Action.Valid() {
		return f, ErrInvalidFilter
	}
	if f.System && f.ActorID != "" {
		return f, ErrInvalidFilter
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, ErrInvalidFilter
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		f.Limit = MaxQueryLimit
	}
	return f, nil
}

// Match reports whether e passes every filter field except Limit.
func (f Filter) Match(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.System && e.ActorID != "" {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Writer appends entries. Implementations may be bound to a caller's
// transaction, in which case the entry commits or rolls back with it.
// LastHash must serialize concurrent appenders until the writer's unit of
// work ends.
type Writer interface {
	LastHash(ctx context.Context) (string, error)
	Append(ctx context.Context, e *Entry) error
}

// Store persists the log. There is no update or delete.
type Store interface {
	// InTx runs fn with a writer bound to a fresh transaction.
	InTx(ctx context.Context, fn func(Writer) error) error
	// Query returns matching entries newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)
	// Chain returns up to limit entries oldest first; limit <= 0 means all.
	Chain(ctx context.Context, limit int) ([]Entry, error)
}
