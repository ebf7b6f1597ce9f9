package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactivePrincipal  = errors.New("auth: principal is disabled")
	ErrForbidden          = errors.New("auth: forbidden")
)

// Token failures. Each maps to exactly one client-visible outcome.
var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrExpiredToken     = errors.New("auth: token expired")
	ErrRevokedToken     = errors.New("auth: token revoked")
	ErrReuseDetected    = errors.New("auth: refresh token reuse detected")
)

// ErrStoreUnavailable wraps failures of the revocation or credential store.
var ErrStoreUnavailable = errors.New("auth: store unavailable")

// ReuseError reports a replayed refresh token. It matches ErrReuseDetected under
// errors.Is and names the principal whose lineage was revoked.
type ReuseError struct {
	PrincipalID string
	JTI         string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%v: principal %s", ErrReuseDetected, e.PrincipalID)
}

func (e *ReuseError) Unwrap() error { return ErrReuseDetected }
