package auth

import (
	"context"
	"time"
)

// PrincipalFinder resolves principals by identifier.
type PrincipalFinder interface {
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// CredentialStore persists principals and their password hashes.
type CredentialStore interface {
	PrincipalFinder
	Create(ctx context.Context, p *Principal) error
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	Update(ctx context.Context, id string, upd PrincipalUpdate) (*Principal, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}
