package httpapi

import (
	"errors"
	"net/http"
	"time"

	"oncopurpose.org/internal/audit"
	"oncopurpose.org/internal/auth"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/v1/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	CompanyName string `json:"company_name"`
	// accepted for compatibility and ignored; only administrators assign these
	Role             string `json:"role,omitempty"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	TokenType        string          `json:"token_type"`
	ExpiresIn        int64           `json:"expires_in"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at"`
	User             *auth.Principal `json:"user,omitempty"`
}

func newTokenResponse(pair auth.TokenPair, user *auth.Principal) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(pair.Claims.IssuedAt.Time).Seconds()),
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             user,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	p, err := a.accounts.Register(r.Context(), auth.Registration{
		Email:       req.Email,
		Password:    req.Password,
		FullName:    req.FullName,
		CompanyName: req.CompanyName,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"principal_id": p.ID,
		"email":        p.Email,
	})
	w.Header().Set("Location", "/v1/auth/me")
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	p, pair, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.login_failed", map[string]any{
				"email":     req.Email,
				"remote_ip": clientIP(r),
			})
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"principal_id": p.ID,
		"remote_ip":    clientIP(r),
	})
	a.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair, p))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := a.refreshTokenFrom(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	pair, err := a.accounts.Refresh(r.Context(), token)
	if err != nil {
		var reuse *auth.ReuseError
		if errors.As(err, &reuse) {
			_ = audit.LogEvent(r.Context(), "auth.reuse_detected", map[string]any{
				"principal_id": reuse.PrincipalID,
				"jti":          reuse.JTI,
				"remote_ip":    clientIP(r),
			})
		}
		a.clearRefreshCookie(w)
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"principal_id": pair.Claims.Subject,
	})
	a.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, newTokenResponse(pair, nil))
}

// handleLogout revokes the presented refresh token, if any. Missing or unreadable tokens
// still clear the cookie; a token of another principal is refused.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if token, err := a.refreshTokenFrom(w, r); err == nil {
		if err := a.accounts.Logout(r.Context(), id.PrincipalID, token); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if err := a.accounts.LogoutAll(r.Context(), id.PrincipalID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.revoke_all", map[string]any{
		"principal_id": id.PrincipalID,
		"reason":       "logout_all",
	})
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	if err := a.accounts.ChangePassword(r.Context(), id.PrincipalID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.revoke_all", map[string]any{
		"principal_id": id.PrincipalID,
		"reason":       "password_change",
	})
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	p, err := a.accounts.Profile(r.Context(), id.PrincipalID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// refreshTokenFrom reads the refresh token from the JSON body, falling back to the cookie.
func (a *API) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", err
		}
		if req.RefreshToken != "" {
			return req.RefreshToken, nil
		}
	}
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("refresh_token is required")
}

func (a *API) setRefreshCookie(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}
