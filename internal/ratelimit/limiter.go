package ratelimit

import (
	"context"
	"errors"
	"time"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
	"oncopurpose.org/internal/quota"
)

// DefaultTimeout bounds a single ledger call.
const DefaultTimeout = 250 * time.Millisecond

// Subject is the caller being admitted. ID is the principal id, or the client address
// when Anonymous is set.
type Subject struct {
	ID        string
	Tier      auth.Tier
	Anonymous bool
}

// Decision is the admission verdict together with the data needed for response headers.
type Decision struct {
	Allowed    bool
	Policy     string
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Unlimited  bool
	// Degraded is set when the ledger could not be consulted and the request was
	// admitted without enforcement.
	Degraded bool
}

// Limiter admits requests against the quota ledger.
type Limiter struct {
	ledger   quota.Ledger
	policies Policies
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicies replaces the default tier allowances.
func WithPolicies(p Policies) Option {
	return func(l *Limiter) { l.policies = p }
}

// WithTimeout overrides the per-call ledger timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source used for Retry-After.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

func New(ledger quota.Ledger, opts ...Option) (*Limiter, error) {
	if ledger == nil {
		return nil, errors.New("ratelimit: ledger is required")
	}
	l := &Limiter{ledger: ledger, policies: DefaultPolicies(), timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.policies.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Policies returns the active allowances.
func (l *Limiter) Policies() Policies { return l.policies }

// Admit consumes one unit of quota for s. When the ledger is unreachable the request is
// admitted with Degraded set; Admit itself never fails.
func (l *Limiter) Admit(ctx context.Context, s Subject) Decision {
	policy := l.policies.For(s)

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := l.ledger.IncrementAndCheck(cctx, s.ID, policy)
	if err != nil {
		obs.QuotaFailOpen()
		obs.Warn("quota_degraded", map[string]any{
			"policy":    policy.Name,
			"subject":   s.ID,
			"anonymous": s.Anonymous,
			"error":     err.Error(),
		})
		obs.QuotaUsage(policy.Name)
		return Decision{
			Allowed:   true,
			Policy:    policy.Name,
			Limit:     policy.Limit,
			Unlimited: policy.Unlimited(),
			Degraded:  true,
		}
	}

	d := Decision{
		Allowed:   res.Allowed,
		Policy:    policy.Name,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Unlimited: res.Unlimited,
	}
	if !res.Allowed {
		d.RetryAfter = retryAfter(res.ResetAt, l.now())
		return d
	}
	obs.QuotaUsage(policy.Name)
	return d
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(reset, now time.Time) time.Duration {
	wait := reset.Sub(now)
	if wait <= time.Second {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}
