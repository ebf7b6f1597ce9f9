package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
)

// Machine-readable error codes returned in the "code" field.
const (
	codeUnauthenticated    = "unauthenticated"
	codeTokenExpired       = "token_expired"
	codeRateLimited        = "rate_limited"
	codeForbidden          = "forbidden"
	codeTokenRevoked       = "token_revoked"
	codeTokenReuse         = "token_reuse_detected"
	codeStoreUnavailable   = "store_unavailable"
	codeInvalidRequest     = "invalid_request"
	codeConflict           = "conflict"
	codeInvalidCredentials = "invalid_credentials"
	codeNotFound           = "not_found"
	codeInternal           = "internal"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oncopurpose"`)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: RequestIDFromContext(r.Context())})
}

func writeTokenError(w http.ResponseWriter, r *http.Request, code, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="oncopurpose", error="invalid_token"`)
	writeError(w, r, http.StatusUnauthorized, code, msg)
}

// writeAuthError is the single mapping from auth failures to HTTP responses.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "email is already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid email or password")
	case errors.Is(err, auth.ErrExpiredToken):
		writeTokenError(w, r, codeTokenExpired, "token expired")
	case errors.Is(err, auth.ErrMalformedToken), errors.Is(err, auth.ErrInvalidSignature):
		writeTokenError(w, r, codeUnauthenticated, "invalid token")
	case errors.Is(err, auth.ErrRevokedToken), errors.Is(err, auth.ErrInactivePrincipal):
		writeTokenError(w, r, codeTokenRevoked, "token revoked")
	case errors.Is(err, auth.ErrReuseDetected):
		writeTokenError(w, r, codeTokenReuse, "refresh token reuse detected; all sessions revoked")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, codeStoreUnavailable, "authentication store unavailable")
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
