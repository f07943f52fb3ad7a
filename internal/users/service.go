package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/ids"
)

// Service performs audited administrative changes to user accounts.
type Service struct {
	store  Store
	audit  *audit.Log
	gate   *auth.Gate
	now    func() time.Time
	hash   func(string) (string, error)
	logger *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithHasher(fn func(string) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.hash = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithGate(g *auth.Gate) Option {
	return func(s *Service) {
		if g != nil {
			s.gate = g
		}
	}
}

func NewService(store Store, log *audit.Log, opts ...Option) *Service {
	s := &Service{
		store:  store,
		audit:  log,
		gate:   auth.NewGate(),
		now:    time.Now,
		hash:   auth.HashPassword,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChangeRole sets the target's role. Admins cannot demote themselves.
func (s *Service) ChangeRole(ctx context.Context, actor *auth.Actor, targetID, rawRole string) (*auth.Actor, error) {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return nil, err
	}
	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == actor.ID && role != actor.Role {
		return nil, fmt.Errorf("%w: cannot change your own role", ErrConflict)
	}
	return s.mutate(ctx, targetID, func(u *auth.Actor) (*audit.Entry, error) {
		if u.Role == role {
			return nil, nil
		}
		old := u.Role
		u.Role = role
		return &audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionChangeRole,
			TargetID:    u.ID,
			Description: fmt.Sprintf("Changed role of %s from %s to %s", u.Email, old, role),
			Metadata:    map[string]any{"old_role": string(old), "new_role": string(role)},
		}, nil
	})
}

// SetActive activates or deactivates the target. Admins cannot deactivate themselves.
func (s *Service) SetActive(ctx context.Context, actor *auth.Actor, targetID string, active bool) (*auth.Actor, error) {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return nil, err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == actor.ID && !active {
		return nil, fmt.Errorf("%w: cannot deactivate yourself", ErrConflict)
	}
	return s.mutate(ctx, targetID, func(u *auth.Actor) (*audit.Entry, error) {
		if u.Active == active {
			return nil, nil
		}
		u.Active = active
		action, verb := audit.ActionActivateUser, "Activated"
		if !active {
			action, verb = audit.ActionDeactivateUser, "Deactivated"
		}
		return &audit.Entry{
			ActorID:     actor.ID,
			Action:      action,
			TargetID:    u.ID,
			Description: fmt.Sprintf("%s user %s", verb, u.Email),
		}, nil
	})
}

// ResetPassword sets the target's password directly.
func (s *Service) ResetPassword(ctx context.Context, actor *auth.Actor, targetID, newPassword string) error {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return err
	}
	if err := auth.CheckPasswordPolicy(newPassword); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := s.hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: hash password: %w", ErrInternal, err)
	}
	_, err = s.mutate(ctx, strings.TrimSpace(targetID), func(u *auth.Actor) (*audit.Entry, error) {
		u.PasswordHash = hash
		return &audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionResetPassword,
			TargetID:    u.ID,
			Description: fmt.Sprintf("Reset password for %s", u.Email),
			Metadata:    map[string]any{"method": "admin"},
		}, nil
	})
	return err
}

// Create adds an active account. The password is optional; an account
// without one can only sign in after a reset.
func (s *Service) Create(ctx context.Context, actor *auth.Actor, email, rawRole, password string) (*auth.Actor, error) {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var hash string
	if password != "" {
		if err := auth.CheckPasswordPolicy(password); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if hash, err = s.hash(password); err != nil {
			return nil, fmt.Errorf("%w: hash password: %w", ErrInternal, err)
		}
	}
	now := s.now().UTC()
	u := &auth.Actor{
		ID:           ids.New(),
		Email:        email,
		Role:         role,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		_, err := s.audit.AppendTx(ctx, tx.Audit(), audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionCreateUser,
			TargetID:    u.ID,
			Description: fmt.Sprintf("Created %s user %s", role, email),
			Metadata:    map[string]any{"email": email, "role": string(role)},
		})
		return err
	})
	if err != nil {
		return nil, classify(err, u.ID)
	}
	s.logger.Info("user created", zap.String("user_id", u.ID), zap.String("role", string(role)))
	return u, nil
}

// ChangeEmail replaces the target's sign-in address.
func (s *Service) ChangeEmail(ctx context.Context, actor *auth.Actor, targetID, email string) (*auth.Actor, error) {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, strings.TrimSpace(targetID), func(u *auth.Actor) (*audit.Entry, error) {
		if u.Email == email {
			return nil, nil
		}
		old := u.Email
		u.Email = email
		return &audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionUpdateUser,
			TargetID:    u.ID,
			Description: fmt.Sprintf("Changed email of %s to %s", old, email),
			Metadata:    map[string]any{"old_email": old, "new_email": email},
		}, nil
	})
}

// Delete removes the target account. Admins cannot delete themselves.
func (s *Service) Delete(ctx context.Context, actor *auth.Actor, targetID string) error {
	if err := s.gate.Require(actor, auth.CapManageUsers); err != nil {
		return err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if targetID == actor.ID {
		return fmt.Errorf("%w: cannot delete yourself", ErrConflict)
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, targetID)
		if err != nil {
			return err
		}
		if err := tx.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
		_, err = s.audit.AppendTx(ctx, tx.Audit(), audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionDeleteUser,
			TargetID:    u.ID,
			Description: fmt.Sprintf("Deleted user %s", u.Email),
			Metadata:    map[string]any{"email": u.Email, "role": string(u.Role)},
		})
		return err
	})
	if err != nil {
		return classify(err, targetID)
	}
	s.logger.Info("user deleted", zap.String("user_id", targetID))
	return nil
}

// mutate locks the target, applies change and writes the returned audit
// entry in the same transaction. A nil entry means nothing changed.
func (s *Service) mutate(ctx context.Context, targetID string, change func(*auth.Actor) (*audit.Entry, error)) (*auth.Actor, error) {
	if targetID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	var (
		out    *auth.Actor
		action audit.Action
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, targetID)
		if err != nil {
			return err
		}
		entry, err := change(u)
		if err != nil {
			return err
		}
		if entry == nil {
			out = u
			return nil
		}
		u.UpdatedAt = s.now().UTC()
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		if _, err := s.audit.AppendTx(ctx, tx.Audit(), *entry); err != nil {
			return err
		}
		out, action = u, entry.Action
		return nil
	})
	if err != nil {
		return nil, classify(err, targetID)
	}
	if action != "" {
		s.logger.Info("user updated", zap.String("user_id", out.ID), zap.String("action", string(action)))
	}
	return out, nil
}

func classify(err error, targetID string) error {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, targetID)
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 254 {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return email, nil
}
