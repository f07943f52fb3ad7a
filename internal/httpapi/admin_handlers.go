package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
)

type changeRoleBody struct {
	Role string `json:"role"`
}

type adminPasswordBody struct {
	NewPassword string `json:"new_password"`
}

type createUserBody struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type updateUserBody struct {
	Email string `json:"email"`
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if a.requireActor(w, r, auth.CapManageUsers) == nil {
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.Audit.Query(r.Context(), f)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":           e.ID,
			"actor_id":     nullable(e.ActorID),
			"action":       e.Action,
			"action_label": e.Action.Label(),
			"target_id":    nullable(e.TargetID),
			"description":  e.Description,
			"metadata":     e.Metadata,
			"ip_address":   nullable(e.IPAddress),
			"user_agent":   nullable(e.UserAgent),
			"created_at":   e.CreatedAt,
			"hash":         e.Hash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if a.requireActor(w, r, auth.CapManageUsers) == nil {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), audit.MaxQueryLimit*10, audit.MaxQueryLimit*100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.Audit.VerifyChain(r.Context(), limit)
	switch {
	case errors.Is(err, audit.ErrChainBroken):
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   false,
			"checked": n,
			"error":   err.Error(),
		})
	case err != nil:
		a.handleError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   true,
			"checked": n,
		})
	}
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter
	f.ActorID = strings.TrimSpace(q.Get("actor_id"))
	f.System = q.Get("system") == "true"
	f.TargetID = strings.TrimSpace(q.Get("target_id"))
	if raw := q.Get("action"); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			return f, err
		}
		f.Action = action
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New(p.key + " must be an RFC3339 timestamp")
		}
		*p.dst = t
	}
	limit, err := parsePositiveInt(q.Get("limit"), audit.DefaultQueryLimit, audit.MaxQueryLimit)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	var body changeRoleBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.Users.ChangeRole(r.Context(), actor, chi.URLParam(r, "id"), body.Role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := a.requireActor(w, r, auth.CapManageUsers)
		if actor == nil {
			return
		}
		u, err := a.Users.SetActive(r.Context(), actor, chi.URLParam(r, "id"), active)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func (a *API) handleAdminPassword(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	var body adminPasswordBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Users.ResetPassword(r.Context(), actor, chi.URLParam(r, "id"), body.NewPassword); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	var body createUserBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.Users.Create(r.Context(), actor, body.Email, body.Role, body.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	var body updateUserBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.Users.ChangeEmail(r.Context(), actor, chi.URLParam(r, "id"), body.Email)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := a.requireActor(w, r, auth.CapManageUsers)
	if actor == nil {
		return
	}
	if err := a.Users.Delete(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
