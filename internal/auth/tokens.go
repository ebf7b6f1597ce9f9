package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"oncopurpose.org/internal/obs"
)

const (
	defaultIssuer       = "oncopurpose"
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultStoreTimeout = 500 * time.Millisecond
	minSecretLength     = 32

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims are embedded into access tokens. Role and Tier are a snapshot taken at
// issuance and stay authoritative for the token's lifetime.
type AccessClaims struct {
	Role      Role   `json:"role"`
	Tier      Tier   `json:"tier"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity returns the caller described by the claims.
func (c AccessClaims) Identity() Identity {
	return Identity{PrincipalID: c.Subject, Role: c.Role, Tier: c.Tier}
}

// RefreshClaims are embedded into refresh tokens; ID carries the jti.
type RefreshClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Claims           AccessClaims
}

// TokenService issues, validates and rotates signed tokens.
type TokenService struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	revocations RevocationStore
	principals  PrincipalFinder
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds each revocation store call.
func WithStoreTimeout(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService signing with the shared HS256 secret.
func NewTokenService(secret string, revocations RevocationStore, principals PrincipalFinder, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	if principals == nil {
		return nil, errors.New("auth: principal finder is required")
	}
	s := &TokenService{
		secret:       []byte(secret),
		issuer:       defaultIssuer,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
		revocations:  revocations,
		principals:   principals,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueTokenPair mints an access/refresh pair for an active principal and records the
// refresh jti in the revocation store.
func (s *TokenService) IssueTokenPair(ctx context.Context, p Principal) (TokenPair, error) {
	if !p.Active {
		return TokenPair{}, ErrInactivePrincipal
	}
	pair, rec, err := s.mint(p)
	if err != nil {
		return TokenPair{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.revocations.Register(sctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return pair, nil
}

// ValidateAccessToken verifies signature and expiry and returns the embedded claims.
// It performs no I/O.
func (s *TokenService) ValidateAccessToken(token string) (AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(token, &claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" {
		return AccessClaims{}, ErrMalformedToken
	}
	return claims, nil
}

// RotateRefreshToken exchanges a refresh token for a new pair. The old jti is consumed
// atomically; presenting a consumed or revoked jti again revokes the principal's whole
// lineage. Reuse is reported as *ReuseError. Store failures are never treated as success.
func (s *TokenService) RotateRefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parseRefresh(refreshToken)
	if err != nil {
		obs.TokenRotation("invalid")
		return TokenPair{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	principal, err := s.principals.FindByID(sctx, claims.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		obs.TokenRotation("revoked")
		return TokenPair{}, ErrRevokedToken
	case err != nil:
		obs.TokenRotation("store_unavailable")
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !principal.Active {
		if err := s.revocations.RevokeAll(sctx, principal.ID); err != nil {
			return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		obs.TokenRotation("revoked")
		return TokenPair{}, ErrRevokedToken
	}

	pair, next, err := s.mint(*principal)
	if err != nil {
		return TokenPair{}, err
	}
	outcome, err := s.revocations.Rotate(sctx, principal.ID, claims.ID, next)
	if err != nil {
		obs.TokenRotation("store_unavailable")
		return TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	obs.TokenRotation(string(outcome))
	switch outcome {
	case RotateOK:
		return pair, nil
	case RotateReused:
		obs.Warn("refresh_reuse_detected", map[string]any{
			"principal_id": principal.ID,
			"jti":          claims.ID,
		})
		return TokenPair{}, &ReuseError{PrincipalID: principal.ID, JTI: claims.ID}
	case RotateRevoked:
		obs.Warn("refresh_revoked_replay", map[string]any{
			"principal_id": principal.ID,
			"jti":          claims.ID,
		})
		return TokenPair{}, ErrRevokedToken
	default:
		return TokenPair{}, ErrRevokedToken
	}
}

// RevokeRefreshToken invalidates a single refresh token of principalID, e.g. on logout.
// Tokens that fail verification are ignored since they cannot be used anyway. A token
// issued to another principal is rejected with ErrForbidden and left untouched.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, principalID, refreshToken string) error {
	if strings.TrimSpace(principalID) == "" {
		return ErrInvalidInput
	}
	claims, err := s.parseRefresh(refreshToken)
	if err != nil {
		return nil
	}
	if claims.Subject != principalID {
		obs.Warn("refresh_revoke_subject_mismatch", map[string]any{
			"principal_id": principalID,
			"subject":      claims.Subject,
		})
		return ErrForbidden
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.revocations.Revoke(sctx, claims.Subject, claims.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAll invalidates every outstanding refresh token of the principal. Idempotent.
func (s *TokenService) RevokeAll(ctx context.Context, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return ErrInvalidInput
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.revocations.RevokeAll(sctx, principalID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RefreshState reports the revocation state of a refresh token.
func (s *TokenService) RefreshState(ctx context.Context, refreshToken string) (RefreshState, error) {
	var claims RefreshClaims
	if err := s.parse(refreshToken, &claims, jwt.WithoutClaimsValidation()); err != nil {
		return RefreshUnknown, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.revocations.State(sctx, claims.Subject, claims.ID)
}

func (s *TokenService) mint(p Principal) (TokenPair, RefreshRecord, error) {
	now := s.now().UTC().Truncate(time.Second)
	accessExp := now.Add(s.accessTTL)
	access := AccessClaims{
		Role:      p.Role,
		Tier:      p.Tier,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, RefreshRecord{}, fmt.Errorf("sign access token: %w", err)
	}

	jti := uuid.NewString()
	refreshExp := now.Add(s.refreshTTL)
	refresh := RefreshClaims{
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, RefreshRecord{}, fmt.Errorf("sign refresh token: %w", err)
	}

	pair := TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Claims:           access,
	}
	return pair, RefreshRecord{JTI: jti, PrincipalID: p.ID, ExpiresAt: refreshExp}, nil
}

func (s *TokenService) parseRefresh(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.parse(token, &claims); err != nil {
		return RefreshClaims{}, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.Subject == "" || claims.ID == "" {
		return RefreshClaims{}, ErrMalformedToken
	}
	return claims, nil
}

// parse verifies token into claims and folds library errors into the token error kinds.
// Signature is checked before expiry, so an expired token is reported as expired only
// when it was genuinely issued by us.
func (s *TokenService) parse(token string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMalformedToken
	}
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	}, extra...)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	default:
		return ErrMalformedToken
	}
}
