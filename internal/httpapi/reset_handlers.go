package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"teamboard.org/internal/auth"
	"teamboard.org/internal/reset"
)

type resetRequestBody struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type resetConfirmBody struct {
	Token           string `json:"token"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type decisionBody struct {
	Notes string `json:"notes"`
}

// handleResetRequest answers identically for known and unknown emails.
func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := a.Resets.RequestReset(r.Context(), req.Email, req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": receipt.RequestID,
		"status":     receipt.Status,
		"created_at": receipt.CreatedAt,
		"message":    "If the account exists, an administrator will review the request.",
	})
}

func (a *API) handleResetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.Resets.CheckStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Resets.Confirm(r.Context(), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": reset.StatusCompleted,
	})
}

func (a *API) handleResetList(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	q := r.URL.Query()
	var f reset.ListFilter
	if raw := q.Get("status"); raw != "" {
		st, err := reset.ParseStatus(raw)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		f.Status = st
	}
	f.UserID = q.Get("user_id")
	limit, err := parsePositiveInt(q.Get("limit"), 50, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = limit

	items, err := a.Resets.List(r.Context(), actor, f)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []*reset.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (a *API) handleResetGet(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	req, err := a.Resets.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleResetApprove(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.Resets.Approve)
}

func (a *API) handleResetReject(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.Resets.Reject)
}

type decideFunc func(ctx context.Context, approver *auth.Actor, id, notes string) (reset.Decision, error)

func (a *API) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	var body decisionBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	d, err := fn(r.Context(), actor, chi.URLParam(r, "id"), body.Notes)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
