// Package httpapi exposes the reset workflow, audit log and user
// administration over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/obs"
	"teamboard.org/internal/reset"
	"teamboard.org/internal/revocation"
)

// ResetService is the password reset workflow.
type ResetService interface {
	RequestReset(ctx context.Context, email, reason string) (reset.Receipt, error)
	CheckStatus(ctx context.Context, id string) (reset.StatusView, error)
	Confirm(ctx context.Context, token, newPassword, confirmPassword string) error
	Approve(ctx context.Context, approver *auth.Actor, id, notes string) (reset.Decision, error)
	Reject(ctx context.Context, approver *auth.Actor, id, notes string) (reset.Decision, error)
	List(ctx context.Context, viewer *auth.Actor, f reset.ListFilter) ([]*reset.Request, error)
	Get(ctx context.Context, viewer *auth.Actor, id string) (*reset.Request, error)
}

// UserService holds the audited admin actions on accounts.
type UserService interface {
	ChangeRole(ctx context.Context, actor *auth.Actor, targetID, role string) (*auth.Actor, error)
	SetActive(ctx context.Context, actor *auth.Actor, targetID string, active bool) (*auth.Actor, error)
	ResetPassword(ctx context.Context, actor *auth.Actor, targetID, newPassword string) error
	Create(ctx context.Context, actor *auth.Actor, email, role, password string) (*auth.Actor, error)
	ChangeEmail(ctx context.Context, actor *auth.Actor, targetID, email string) (*auth.Actor, error)
	Delete(ctx context.Context, actor *auth.Actor, targetID string) error
}

// AuditLog is the read and append surface of the audit trail.
type AuditLog interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	VerifyChain(ctx context.Context, limit int) (int, error)
}

// Authenticator verifies credentials and resolves token claims to actors.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*auth.Actor, error)
	Resolve(ctx context.Context, claims *auth.Claims) (*auth.Actor, error)
}

// Tokens issues and parses bearer tokens.
type Tokens interface {
	Issue(actor *auth.Actor) (string, time.Time, error)
	Parse(token string) (*auth.Claims, error)
}

// Revocations records signed-out tokens by their jti until they expire.
type Revocations interface {
	Revoke(ctx context.Context, id string, until time.Time) error
	Revoked(ctx context.Context, id string) (bool, error)
}

// ReadyChecker reports whether backing storage is reachable.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API routes to. All are required.
type Deps struct {
	Resets ResetService
	Users  UserService
	Audit  AuditLog
	Auth   Authenticator
	Tokens Tokens
	Gate   *auth.Gate
	Ready  ReadyChecker
}

// API is the HTTP layer.
type API struct {
	Deps
	logger   *zap.Logger
	metrics  *obs.HTTPMetrics
	gatherer prometheus.Gatherer
	limiter  *RateLimiter
	proxies  ProxyTrust
	revoked  Revocations
	version  string
}

// Option configures API.
type Option func(*API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics instruments every route and serves g on /metrics.
func WithMetrics(m *obs.HTTPMetrics, g prometheus.Gatherer) Option {
	return func(a *API) {
		a.metrics = m
		a.gatherer = g
	}
}

// WithRateLimiter guards the public credential endpoints.
func WithRateLimiter(l *RateLimiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithProxyTrust believes X-Forwarded-For only from the listed peers.
func WithProxyTrust(pt ProxyTrust) Option {
	return func(a *API) { a.proxies = pt }
}

// WithRevocations replaces the in-process revocation list.
func WithRevocations(rv Revocations) Option {
	return func(a *API) {
		if rv != nil {
			a.revoked = rv
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func New(d Deps, opts ...Option) (*API, error) {
	if d.Resets == nil || d.Users == nil || d.Audit == nil || d.Auth == nil || d.Tokens == nil || d.Ready == nil {
		return nil, errors.New("httpapi: missing service dependency")
	}
	if d.Gate == nil {
		d.Gate = auth.NewGate()
	}
	a := &API{
		Deps:    d,
		logger:  zap.NewNop(),
		limiter: NewRateLimiter(1, 5),
		revoked: revocation.NewMemory(),
		version: obs.Version(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the routed and instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(a.proxies.Middleware)
	r.Use(a.logging)
	r.Use(SecurityHeaders)
	r.Use(RequestMeta)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", obs.Handler(a.gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(a.limiter.Middleware).Post("/auth/token", a.handleLogin)

		r.Route("/password-reset", func(r chi.Router) {
			r.With(a.limiter.Middleware).Post("/request", a.handleResetRequest)
			r.Get("/status/{id}", a.handleResetStatus)
			r.With(a.limiter.Middleware).Post("/confirm", a.handleResetConfirm)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)

			r.Post("/auth/logout", a.handleLogout)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/password-resets", a.handleResetList)
				r.Get("/password-resets/{id}", a.handleResetGet)
				r.Post("/password-resets/{id}/approve", a.handleResetApprove)
				r.Post("/password-resets/{id}/reject", a.handleResetReject)
				r.Get("/audit", a.handleAuditQuery)
				r.Get("/audit/verify", a.handleAuditVerify)
			})

			r.Post("/users", a.handleCreateUser)
			r.Route("/users/{id}", func(r chi.Router) {
				r.Patch("/", a.handleUpdateUser)
				r.Delete("/", a.handleDeleteUser)
				r.Post("/role", a.handleChangeRole)
				r.Post("/activate", a.handleSetActive(true))
				r.Post("/deactivate", a.handleSetActive(false))
				r.Post("/password", a.handleAdminPassword)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "teamboard-api",
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Ready.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
