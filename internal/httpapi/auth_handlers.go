package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"token_type"`
	ExpiresAt time.Time   `json:"expires_at"`
	Actor     *auth.Actor `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	actor, err := a.Auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.handleError(w, r, err)
		return
	}

	token, expires, err := a.Tokens.Issue(actor)
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	if err := a.auditSession(r, actor, audit.ActionLogin, "logged in"); err != nil {
		a.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expires,
		Actor:     actor,
	})
}

// handleLogout revokes the presented token until it would have expired.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	if !ok || claims == nil || claims.ExpiresAt == nil {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := a.auditSession(r, actor, audit.ActionLogout, "logged out"); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.revoked.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// auditSession records sign-ins and sign-outs of privileged actors.
func (a *API) auditSession(r *http.Request, actor *auth.Actor, action audit.Action, verb string) error {
	if actor.Role != auth.RoleAdmin && actor.Role != auth.RoleManager {
		return nil
	}
	_, err := a.Audit.Append(r.Context(), audit.Entry{
		ActorID:     actor.ID,
		Action:      action,
		TargetID:    actor.ID,
		Description: actor.Role.String() + " " + verb,
		Metadata:    map[string]any{"role": string(actor.Role)},
	})
	return err
}
