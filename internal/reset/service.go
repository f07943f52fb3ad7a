package reset

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/notify"
	"teamboard.org/internal/obs"
)

const (
	DefaultTTL = 24 * time.Hour

	maxTokenAttempts  = 5
	maxCreateAttempts = 3
	maxReasonLen      = 2000
	maxNotesLen       = 2000
	notifyTimeout     = 5 * time.Second
)

// Receipt is returned by RequestReset. Unknown accounts get a receipt of the
// same shape that refers to a decoy instead of a stored request.
type Receipt struct {
	RequestID string    `json:"request_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Duplicate bool      `json:"-"`
}

// StatusView is the public projection of a request.
type StatusView struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	AdminNotes string     `json:"admin_notes,omitempty"`
}

// Decision is the outcome of Approve or Reject. Token is only set on approval
// so the approver can hand it to the requester.
type Decision struct {
	Request *Request `json:"request"`
	Token   string   `json:"token,omitempty"`
}

// Service runs the password reset workflow.
type Service struct {
	store    Store
	dir      auth.Directory
	audit    *audit.Log
	notifier notify.Notifier
	gate     *auth.Gate

	now     func() time.Time
	ttl     time.Duration
	anchor  ExpiryAnchor
	tokens  TokenGenerator
	hash    func(string) (string, error)
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL sets how long an approved token stays usable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithExpiryAnchor(a ExpiryAnchor) Option {
	return func(s *Service) {
		if a == AnchorApproval || a == AnchorCreation {
			s.anchor = a
		}
	}
}

func WithTokens(g TokenGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.tokens = g
		}
	}
}

// WithHasher replaces bcrypt, mostly to keep tests fast.
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

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithGate(g *auth.Gate) Option {
	return func(s *Service) {
		if g != nil {
			s.gate = g
		}
	}
}

func NewService(store Store, dir auth.Directory, log *audit.Log, notifier notify.Notifier, opts ...Option) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		store:    store,
		dir:      dir,
		audit:    log,
		notifier: notifier,
		gate:     auth.NewGate(),
		now:      time.Now,
		ttl:      DefaultTTL,
		anchor:   AnchorApproval,
		tokens:   RandomTokens{},
		hash:     auth.HashPassword,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestReset opens a reset request for the account owning email, or returns
// the one already pending. Emails without an active account get a decoy
// receipt that repeats and reads back like a pending request.
func (s *Service) RequestReset(ctx context.Context, email, reason string) (_ Receipt, err error) {
	ctx, end := obs.StartSpan(ctx, "reset.RequestReset")
	defer func() { end(err) }()

	email, err = normalizeEmail(email)
	if err != nil {
		return Receipt{}, err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return Receipt{}, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, maxReasonLen)
	}
	now := s.now().UTC()

	user, err := s.dir.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, auth.ErrNotFound), err == nil && !user.Active:
		return s.decoyReceipt(ctx, email, now)
	case err != nil:
		return Receipt{}, internal("find user", err)
	}

	var (
		req       *Request
		duplicate bool
	)
	for attempt := 1; ; attempt++ {
		req, duplicate, err = s.openRequest(ctx, user, reason, now)
		// a concurrent caller committed a pending request first; the next
		// attempt reports it, or creates anew if it was already decided
		if !errors.Is(err, ErrPendingExists) || attempt == maxCreateAttempts {
			break
		}
		s.logger.Debug("pending request raced, retrying", zap.String("user_id", user.ID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return Receipt{}, internal("request reset", err)
	}

	receipt := Receipt{RequestID: req.ID, Status: req.Status, CreatedAt: req.CreatedAt, Duplicate: duplicate}
	if duplicate {
		s.metrics.request("duplicate")
		return receipt, nil
	}
	s.metrics.request("created")
	s.logger.Info("password reset requested", zap.String("reset_request_id", req.ID), zap.String("user_id", user.ID))
	s.notifyAdmins(ctx, user, req)
	return receipt, nil
}

func (s *Service) openRequest(ctx context.Context, user *auth.Actor, reason string, now time.Time) (req *Request, duplicate bool, err error) {
	err = s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.PendingForUser(ctx, user.ID)
		if err == nil {
			req, duplicate = existing, true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		token, err := s.uniqueToken(ctx, tx)
		if err != nil {
			return err
		}
		r := &Request{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			Token:     token,
			Status:    StatusPending,
			Reason:    reason,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		if err := tx.Insert(ctx, r); err != nil {
			return err
		}
		meta := map[string]any{"reset_request_id": r.ID}
		if reason != "" {
			meta["reason"] = reason
		}
		if _, err := s.audit.AppendTx(ctx, tx.Audit(), audit.Entry{
			Action:      audit.ActionOther,
			TargetID:    user.ID,
			Description: fmt.Sprintf("Password reset requested for %s", user.Email),
			Metadata:    meta,
		}); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return req, duplicate, nil
}

// decoyReceipt answers for an email with no active account. Nothing is
// audited and nobody is notified.
func (s *Service) decoyReceipt(ctx context.Context, email string, now time.Time) (Receipt, error) {
	var d *Decoy
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		d, err = tx.EnsureDecoy(ctx, Decoy{ID: uuid.NewString(), Digest: EmailDigest(email), CreatedAt: now})
		return err
	})
	if err != nil {
		return Receipt{}, internal("decoy receipt", err)
	}
	s.metrics.request("unknown")
	return Receipt{RequestID: d.ID, Status: StatusPending, CreatedAt: d.CreatedAt}, nil
}

// CheckStatus returns the public view of a request. It never mutates, even
// when the request is logically expired.
func (s *Service) CheckStatus(ctx context.Context, id string) (_ StatusView, err error) {
	ctx, end := obs.StartSpan(ctx, "reset.CheckStatus")
	defer func() { end(err) }()

	if !validID(id) {
		return StatusView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	id = strings.TrimSpace(id)
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		d, derr := s.store.GetDecoy(ctx, id)
		if derr != nil {
			return StatusView{}, internal("get request", derr)
		}
		return StatusView{ID: d.ID, Status: StatusPending, CreatedAt: d.CreatedAt}, nil
	}
	if err != nil {
		return StatusView{}, internal("get request", err)
	}
	view := StatusView{ID: r.ID, Status: r.Status, CreatedAt: r.CreatedAt, ApprovedAt: r.ApprovedAt}
	if r.Status != StatusPending {
		view.AdminNotes = r.AdminNotes
	}
	return view, nil
}

// Approve moves a pending request to APPROVED.
func (s *Service) Approve(ctx context.Context, approver *auth.Actor, id, notes string) (Decision, error) {
	return s.decide(ctx, approver, id, notes, StatusApproved)
}

// Reject moves a pending request to REJECTED.
func (s *Service) Reject(ctx context.Context, approver *auth.Actor, id, notes string) (Decision, error) {
	return s.decide(ctx, approver, id, notes, StatusRejected)
}

func (s *Service) decide(ctx context.Context, approver *auth.Actor, id, notes string, to Status) (_ Decision, err error) {
	op := "reset.Approve"
	action := audit.ActionApproveReset
	if to == StatusRejected {
		op, action = "reset.Reject", audit.ActionRejectReset
	}
	ctx, end := obs.StartSpan(ctx, op, attribute.String("reset.request_id", id))
	defer func() { end(err) }()

	if err := s.gate.Require(approver, auth.CapManageUsers); err != nil {
		return Decision{}, err
	}
	if !validID(id) {
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	id = strings.TrimSpace(id)
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLen {
		return Decision{}, fmt.Errorf("%w: notes exceed %d characters", ErrInvalidInput, maxNotesLen)
	}
	now := s.now().UTC()

	var out *Request
	err = s.store.InTx(ctx, func(tx Tx) error {
		r, err := tx.LockByID(ctx, id)
		if err != nil {
			return err
		}
		prev := r.Status
		if err := r.transition(to); err != nil {
			return err
		}
		r.ApproverID = approver.ID
		r.ApprovedAt = &now
		r.AdminNotes = notes
		if to == StatusApproved && s.anchor == AnchorApproval {
			r.ExpiresAt = now.Add(s.ttl)
		}
		if err := tx.Update(ctx, r, prev); err != nil {
			return err
		}
		meta := map[string]any{"reset_request_id": r.ID}
		if notes != "" {
			meta["admin_notes"] = notes
		}
		verb := "Approved"
		if to == StatusRejected {
			verb = "Rejected"
		}
		if _, err := s.audit.AppendTx(ctx, tx.Audit(), audit.Entry{
			ActorID:     approver.ID,
			Action:      action,
			TargetID:    r.UserID,
			Description: fmt.Sprintf("%s password reset request %s", verb, r.ID),
			Metadata:    meta,
		}); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Decision{}, internal("decide", err)
	}

	s.metrics.transition(StatusPending, to)
	s.logger.Info("password reset decided",
		zap.String("reset_request_id", out.ID),
		zap.String("status", string(to)),
		zap.String("approver_id", approver.ID),
	)
	s.notifyRequester(ctx, out)

	d := Decision{Request: out.Clone()}
	if to == StatusApproved {
		d.Token = out.Token
	}
	return d, nil
}

// Confirm sets a new password using an approved token. An expired token
// moves its request to EXPIRED and fails with ErrExpired.
func (s *Service) Confirm(ctx context.Context, token, newPassword, confirmPassword string) (err error) {
	ctx, end := obs.StartSpan(ctx, "reset.Confirm")
	defer func() { end(err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if newPassword != confirmPassword {
		return fmt.Errorf("%w: passwords do not match", ErrInvalidInput)
	}
	if err := auth.CheckPasswordPolicy(newPassword); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := s.hash(newPassword)
	if err != nil {
		return internal("hash password", err)
	}
	now := s.now().UTC()

	var (
		req     *Request
		expired bool
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		r, err := tx.LockByToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if r.Status != StatusApproved {
			return fmt.Errorf("%w: request is not approved or already used", ErrConflict)
		}
		if r.IsExpired(now) {
			if err := r.transition(StatusExpired); err != nil {
				return err
			}
			if err := tx.Update(ctx, r, StatusApproved); err != nil {
				return err
			}
			req, expired = r, true
			return nil
		}
		if err := tx.SetCredential(ctx, r.UserID, hash); err != nil {
			return err
		}
		if err := r.transition(StatusCompleted); err != nil {
			return err
		}
		r.CompletedAt = &now
		if err := tx.Update(ctx, r, StatusApproved); err != nil {
			return err
		}
		if _, err := s.audit.AppendTx(ctx, tx.Audit(), audit.Entry{
			ActorID:     r.ApproverID,
			Action:      audit.ActionResetPassword,
			TargetID:    r.UserID,
			Description: "Password reset completed",
			Metadata:    map[string]any{"reset_request_id": r.ID},
		}); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return internal("confirm", err)
	}
	if expired {
		s.metrics.transition(StatusApproved, StatusExpired)
		s.logger.Info("password reset token expired", zap.String("reset_request_id", req.ID))
		return fmt.Errorf("%w: request %s", ErrExpired, req.ID)
	}
	s.metrics.transition(StatusApproved, StatusCompleted)
	s.logger.Info("password reset completed", zap.String("reset_request_id", req.ID), zap.String("user_id", req.UserID))
	s.notifyRequester(ctx, req)
	return nil
}

// List returns the admin queue, newest first.
func (s *Service) List(ctx context.Context, viewer *auth.Actor, f ListFilter) (_ []*Request, err error) {
	ctx, end := obs.StartSpan(ctx, "reset.List")
	defer func() { end(err) }()

	if err := s.gate.Require(viewer, auth.CapManageUsers); err != nil {
		return nil, err
	}
	f, err = f.normalize()
	if err != nil {
		return nil, err
	}
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, internal("list requests", err)
	}
	return out, nil
}

// Get returns one request for an admin.
func (s *Service) Get(ctx context.Context, viewer *auth.Actor, id string) (_ *Request, err error) {
	ctx, end := obs.StartSpan(ctx, "reset.Get")
	defer func() { end(err) }()

	if err := s.gate.Require(viewer, auth.CapManageUsers); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, internal("get request", err)
	}
	return r, nil
}

func (s *Service) uniqueToken(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := s.tokens.NewToken()
		if err != nil {
			return "", err
		}
		taken, err := tx.TokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !taken {
			return token, nil
		}
		s.logger.Warn("reset token collision, regenerating", zap.Int("attempt", i+1))
	}
	return "", fmt.Errorf("%w: no unique token after %d attempts", ErrInternal, maxTokenAttempts)
}

func (s *Service) notifyAdmins(ctx context.Context, user *auth.Actor, r *Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	admins, err := s.dir.ListByRole(ctx, auth.RoleAdmin)
	if err != nil {
		s.logger.Warn("list admins for notification", zap.Error(err))
		return
	}
	for _, admin := range admins {
		if !admin.Active {
			continue
		}
		s.deliver(ctx, notify.Message{
			RecipientID:    admin.ID,
			RecipientEmail: admin.Email,
			Kind:           notify.KindResetRequested,
			Text:           fmt.Sprintf("%s requested a password reset", user.Email),
			Data:           map[string]string{"reset_request_id": r.ID, "user_id": user.ID},
			CreatedAt:      s.now().UTC(),
		})
	}
}

func (s *Service) notifyRequester(ctx context.Context, r *Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	msg := notify.Message{
		RecipientID: r.UserID,
		Data:        map[string]string{"reset_request_id": r.ID},
		CreatedAt:   s.now().UTC(),
	}
	switch r.Status {
	case StatusApproved:
		msg.Kind, msg.Text = notify.KindResetApproved, "Your password reset request was approved. Contact your administrator for the reset link."
	case StatusRejected:
		msg.Kind, msg.Text = notify.KindResetRejected, "Your password reset request was rejected."
	case StatusCompleted:
		msg.Kind, msg.Text = notify.KindResetCompleted, "Your password was changed."
	default:
		return
	}
	if user, err := s.dir.FindByID(ctx, r.UserID); err == nil {
		msg.RecipientEmail = user.Email
	}
	s.deliver(ctx, msg)
}

func (s *Service) deliver(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn("notification failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("recipient_id", msg.RecipientID),
			zap.Error(err),
		)
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 254 {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return email, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}

// internal passes workflow errors through and wraps everything else as ErrInternal.
func internal(op string, err error) error {
	for _, known := range []error{ErrInvalidInput, ErrNotFound, ErrInvalidToken, ErrConflict, ErrExpired, ErrInternal, auth.ErrForbidden} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
