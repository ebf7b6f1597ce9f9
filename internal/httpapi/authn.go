package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"oncopurpose.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// RequireRole admits callers holding one of roles. It must run behind the gate.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
				return
			}
			if !id.HasRole(roles...) {
				writeError(w, r, http.StatusForbidden, codeForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTier admits callers whose subscription tier ranks at least required.
func RequireTier(required auth.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
				return
			}
			if !id.HasTier(required) {
				writeError(w, r, http.StatusForbidden, codeForbidden, "subscription tier "+string(required)+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
