// Package ratelimit decides whether a caller may proceed, based on its tier quota.
package ratelimit

import (
	"fmt"
	"time"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/quota"
)

// AnonymousPolicy names the allowance shared by unauthenticated callers of public routes.
const AnonymousPolicy = "anonymous"

// Policies holds per-tier request allowances for one window. A zero limit means unlimited.
type Policies struct {
	Window    time.Duration
	Tiers     map[auth.Tier]int64
	Anonymous int64
}

// DefaultPolicies returns the hourly allowances: basic 100, professional 1000, enterprise
// unlimited and 600 for anonymous callers.
func DefaultPolicies() Policies {
	return Policies{
		Window: time.Hour,
		Tiers: map[auth.Tier]int64{
			auth.TierBasic:        100,
			auth.TierProfessional: 1000,
			auth.TierEnterprise:   0,
		},
		Anonymous: 600,
	}
}

// Validate checks that every known tier has an allowance and the window is positive.
func (p Policies) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", p.Window)
	}
	for _, tier := range []auth.Tier{auth.TierBasic, auth.TierProfessional, auth.TierEnterprise} {
		limit, ok := p.Tiers[tier]
		if !ok {
			return fmt.Errorf("ratelimit: missing limit for tier %q", tier)
		}
		if limit < 0 {
			return fmt.Errorf("ratelimit: negative limit for tier %q", tier)
		}
	}
	if p.Anonymous <= 0 {
		return fmt.Errorf("ratelimit: anonymous limit must be positive")
	}
	return nil
}

// For resolves the quota policy for s. Unknown tiers fall back to basic.
func (p Policies) For(s Subject) quota.Policy {
	if s.Anonymous {
		return quota.Policy{Name: AnonymousPolicy, Limit: p.Anonymous, Window: p.Window}
	}
	tier := s.Tier
	limit, ok := p.Tiers[tier]
	if !ok {
		tier = auth.TierBasic
		limit = p.Tiers[tier]
	}
	return quota.Policy{Name: string(tier), Limit: limit, Window: p.Window}
}
