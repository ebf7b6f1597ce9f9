package auth

import (
	"strings"
	"time"
)

// Role is the authorization role of a principal.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Tier is the subscription tier that selects a principal's request quota.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ParseRole normalizes raw into a known role.
func ParseRole(raw string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleResearcher, RoleAdmin, RoleSuperAdmin:
		return r, true
	}
	return "", false
}

// ParseTier normalizes raw into a known tier.
func ParseTier(raw string) (Tier, bool) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(raw))); t {
	case TierBasic, TierProfessional, TierEnterprise:
		return t, true
	}
	return "", false
}

// Priority orders tiers: basic < professional < enterprise. Unknown tiers rank 0.
func (t Tier) Priority() int {
	switch t {
	case TierBasic:
		return 1
	case TierProfessional:
		return 2
	case TierEnterprise:
		return 3
	}
	return 0
}

// AtLeast reports whether t ranks at or above required.
func (t Tier) AtLeast(required Tier) bool {
	return t.Priority() > 0 && t.Priority() >= required.Priority()
}

// IsAdmin reports whether the role carries administrative rights.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Principal is a registered identity. Principals are never deleted, only disabled.
type Principal struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"full_name"`
	CompanyName  string     `json:"company_name"`
	Role         Role       `json:"role"`
	Tier         Tier       `json:"subscription_tier"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Identity returns the snapshot embedded into access tokens.
func (p Principal) Identity() Identity {
	return Identity{PrincipalID: p.ID, Role: p.Role, Tier: p.Tier}
}

// Identity is the resolved caller handed to downstream handlers.
type Identity struct {
	PrincipalID string `json:"principal_id"`
	Role        Role   `json:"role"`
	Tier        Tier   `json:"tier"`
}

// PrincipalUpdate carries admin mutations; nil fields are left untouched.
type PrincipalUpdate struct {
	Role   *Role
	Tier   *Tier
	Active *bool
}

// Empty reports whether the update changes nothing.
func (u PrincipalUpdate) Empty() bool {
	return u.Role == nil && u.Tier == nil && u.Active == nil
}
