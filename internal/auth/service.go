package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Service provides account operations on top of the credential store and token service.
type Service struct {
	store      CredentialStore
	tokens     *TokenService
	bcryptCost int
	now        func() time.Time

	// hash compared against on unknown emails so login timing does not leak existence
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) {
		if cost > 0 {
			s.bcryptCost = cost
		}
	}
}

// WithServiceClock overrides the time source.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store CredentialStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	s := &Service{store: store, tokens: tokens, bcryptCost: DefaultBcryptCost, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := HashPassword("oncopurpose-timing-guard", s.bcryptCost)
	if err != nil {
		return nil, err
	}
	s.dummyHash = dummy
	return s, nil
}

// Tokens exposes the underlying token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Registration is the self-service sign-up payload.
type Registration struct {
	Email       string
	Password    string
	FullName    string
	CompanyName string
}

// Register creates a researcher on the basic tier. Role and tier are never taken from
// the caller; only administrators change them afterwards.
func (s *Service) Register(ctx context.Context, reg Registration) (*Principal, error) {
	email, err := normalizeEmail(reg.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(reg.Password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(reg.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	p := &Principal{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(reg.FullName),
		CompanyName:  strings.TrimSpace(reg.CompanyName),
		Role:         RoleResearcher,
		Tier:         TierBasic,
		Active:       true,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create principal: %w", err)
	}
	return p, nil
}

// Login verifies credentials and issues a token pair. Unknown email, wrong password and
// disabled accounts are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Principal, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	p, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(s.dummyHash, password)
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	if !p.Active {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	pair, err := s.tokens.IssueTokenPair(ctx, *p)
	if err != nil {
		return nil, TokenPair{}, err
	}
	at := s.now().UTC()
	if err := s.store.TouchLogin(ctx, p.ID, at); err == nil {
		p.LastLoginAt = &at
	}
	return p, pair, nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return s.tokens.RotateRefreshToken(ctx, refreshToken)
}

// Logout revokes a single refresh token owned by principalID.
func (s *Service) Logout(ctx context.Context, principalID, refreshToken string) error {
	return s.tokens.RevokeRefreshToken(ctx, principalID, refreshToken)
}

// LogoutAll revokes every refresh token of the principal.
func (s *Service) LogoutAll(ctx context.Context, principalID string) error {
	return s.tokens.RevokeAll(ctx, principalID)
}

// Profile returns the stored principal.
func (s *Service) Profile(ctx context.Context, principalID string) (*Principal, error) {
	p, err := s.store.FindByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ChangePassword replaces the password after verifying the current one and revokes all
// outstanding refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, principalID, current, next string) error {
	p, err := s.store.FindByID(ctx, principalID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(p.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, principalID, hash); err != nil {
		return err
	}
	return s.tokens.RevokeAll(ctx, principalID)
}

// UpdatePrincipal applies an administrative change on behalf of actor. Disabling a
// principal revokes its refresh lineage; role and tier changes reach access tokens at
// their next issuance.
func (s *Service) UpdatePrincipal(ctx context.Context, actor Identity, id string, upd PrincipalUpdate) (*Principal, error) {
	if !actor.Role.IsAdmin() {
		return nil, ErrForbidden
	}
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Role != nil {
		if _, ok := ParseRole(string(*upd.Role)); !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *upd.Role)
		}
		if !canAssignRole(actor.Role, *upd.Role) {
			return nil, ErrForbidden
		}
	}
	if upd.Tier != nil {
		if _, ok := ParseTier(string(*upd.Tier)); !ok {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, *upd.Tier)
		}
	}
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// admins may not touch other administrators unless they are super admins
	if current.Role.IsAdmin() && actor.Role != RoleSuperAdmin && current.ID != actor.PrincipalID {
		return nil, ErrForbidden
	}
	updated, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if upd.Active != nil && !*upd.Active {
		if err := s.tokens.RevokeAll(ctx, id); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return email, nil
}
