package reset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a reset request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusCompleted, StatusExpired},
}

// ParseStatus accepts the known status tags, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusExpired
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Request is a password reset request.
type Request struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Token       string     `json:"-"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	ApproverID  string     `json:"approver_id,omitempty"`
	AdminNotes  string     `json:"admin_notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// IsExpired reports whether now is past the request's expiry.
func (r *Request) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		cp.ApprovedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (r *Request) transition(to Status) error {
	if !CanTransition(r.Status, to) {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request is already %s", ErrConflict, strings.ToLower(string(r.Status)))
		}
		return fmt.Errorf("%w: cannot move from %s to %s", ErrConflict, r.Status, to)
	}
	r.Status = to
	return nil
}

// ListFilter selects requests for the admin queue. Zero fields do not filter.
type ListFilter struct {
	Status Status
	UserID string
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (f ListFilter) normalize() (ListFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f, nil
}

// Match reports whether r passes the status and user filters.
func (f ListFilter) Match(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}

// ExpiryAnchor selects the instant the token lifetime is measured from.
type ExpiryAnchor string

const (
	// AnchorApproval restarts the lifetime when an admin approves.
	AnchorApproval ExpiryAnchor = "approval"
	// AnchorCreation fixes expiry when the request is created.
	AnchorCreation ExpiryAnchor = "creation"
)

func ParseExpiryAnchor(raw string) (ExpiryAnchor, error) {
	switch a := ExpiryAnchor(strings.ToLower(strings.TrimSpace(raw))); a {
	case AnchorApproval, AnchorCreation:
		return a, nil
	case "":
		return AnchorApproval, nil
	}
	return "", fmt.Errorf("%w: unknown expiry anchor %q", ErrInvalidInput, raw)
}

// Decoy stands in for a request when the email has no active account. It is
// kept per email so repeat requests and status lookups answer exactly like a
// pending request would.
type Decoy struct {
	ID        string
	Digest    string
	CreatedAt time.Time
}

// EmailDigest keys a decoy without storing the address itself.
func EmailDigest(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
