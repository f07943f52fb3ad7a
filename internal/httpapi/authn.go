package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"teamboard.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer token to a live actor. Signed-out tokens are
// refused. The actor is reloaded from the directory on every request so role
// changes and deactivation take effect before the token expires.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.Tokens.Parse(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		revoked, err := a.revoked.Revoked(r.Context(), claims.ID)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if revoked {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		actor, err := a.Auth.Resolve(r.Context(), claims)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			a.handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithActor(r.Context(), actor)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireActor returns the authenticated actor holding c, or writes the
// failure response and returns nil.
func (a *API) requireActor(w http.ResponseWriter, r *http.Request, c auth.Capability) *auth.Actor {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return nil
	}
	if err := a.Gate.Require(actor, c); err != nil {
		a.handleError(w, r, err)
		return nil
	}
	return actor
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
