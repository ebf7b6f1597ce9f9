package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
	"oncopurpose.org/internal/ratelimit"
)

// AccessValidator verifies access tokens without I/O.
type AccessValidator interface {
	ValidateAccessToken(token string) (auth.AccessClaims, error)
}

// Admitter decides whether a subject may consume one unit of quota.
type Admitter interface {
	Admit(ctx context.Context, s ratelimit.Subject) ratelimit.Decision
}

// Outcome is the terminal state of a request passing through the gate.
type Outcome string

const (
	OutcomeDispatched      Outcome = "dispatched"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeTokenExpired    Outcome = "token_expired"
	OutcomeRateLimited     Outcome = "rate_limited"
)

// GateRequest is the transport-neutral input of the gate.
type GateRequest struct {
	// Token is the raw bearer token; empty when none was presented.
	Token string
	// Public requests skip token validation and are metered as anonymous.
	Public     bool
	ClientAddr string
}

// Verdict is the result of Gate.Evaluate.
type Verdict struct {
	Outcome  Outcome
	Identity auth.Identity
	// Metered is set once the quota ledger was consulted; Decision is valid only then.
	Metered  bool
	Decision ratelimit.Decision
	Err      error
}

// Dispatched reports whether the request may reach its handler.
func (v Verdict) Dispatched() bool { return v.Outcome == OutcomeDispatched }

// Gate composes token validation and quota admission. It is the only component that
// turns bearer tokens into identities.
type Gate struct {
	tokens  AccessValidator
	limiter Admitter
	public  map[string]bool
}

var defaultPublicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

// NewGate builds a gate. With no publicPaths the default public routes apply.
func NewGate(tokens AccessValidator, limiter Admitter, publicPaths ...string) *Gate {
	if len(publicPaths) == 0 {
		publicPaths = defaultPublicPaths
	}
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}
	return &Gate{tokens: tokens, limiter: limiter, public: public}
}

// IsPublic reports whether path skips token validation.
func (g *Gate) IsPublic(path string) bool { return g.public[path] }

// Evaluate runs Received → TokenChecked → QuotaChecked and returns the terminal outcome.
func (g *Gate) Evaluate(ctx context.Context, req GateRequest) Verdict {
	var subject ratelimit.Subject
	var v Verdict

	if req.Public {
		subject = ratelimit.Subject{ID: req.ClientAddr, Anonymous: true}
	} else {
		if req.Token == "" {
			return g.finish(Verdict{Outcome: OutcomeUnauthenticated, Err: errMissingToken})
		}
		claims, err := g.tokens.ValidateAccessToken(req.Token)
		if err != nil {
			outcome := OutcomeUnauthenticated
			if errors.Is(err, auth.ErrExpiredToken) {
				outcome = OutcomeTokenExpired
			}
			return g.finish(Verdict{Outcome: outcome, Err: err})
		}
		v.Identity = claims.Identity()
		subject = ratelimit.Subject{ID: v.Identity.PrincipalID, Tier: v.Identity.Tier}
	}

	v.Decision = g.limiter.Admit(ctx, subject)
	v.Metered = true
	if !v.Decision.Allowed {
		v.Outcome = OutcomeRateLimited
		return g.finish(v)
	}
	v.Outcome = OutcomeDispatched
	return g.finish(v)
}

func (g *Gate) finish(v Verdict) Verdict {
	obs.GateDecision(string(v.Outcome))
	return v
}

var errMissingToken = errors.New("missing bearer token")

// Middleware enforces the gate on HTTP requests.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		req := GateRequest{Public: g.IsPublic(r.URL.Path), ClientAddr: clientIP(r)}
		if !req.Public {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err == nil {
				req.Token = token
			}
		}

		v := g.Evaluate(r.Context(), req)
		if m := metaFromContext(r.Context()); m != nil {
			m.outcome = string(v.Outcome)
			m.principalID = v.Identity.PrincipalID
		}
		if v.Metered {
			setRateLimitHeaders(w.Header(), v.Decision)
		}

		switch v.Outcome {
		case OutcomeDispatched:
		case OutcomeTokenExpired:
			writeTokenError(w, r, codeTokenExpired, "access token expired")
			return
		case OutcomeUnauthenticated:
			if errors.Is(v.Err, errMissingToken) {
				writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "missing bearer token")
			} else {
				writeTokenError(w, r, codeUnauthenticated, "invalid token")
			}
			return
		case OutcomeRateLimited:
			w.Header().Set("Retry-After", strconv.Itoa(int(v.Decision.RetryAfter.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}

		ctx := r.Context()
		if !req.Public {
			ctx = auth.ContextWithIdentity(ctx, v.Identity)
			ctx = auth.ContextWithToken(ctx, req.Token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// setRateLimitHeaders writes the X-RateLimit-* headers for d.
func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Unlimited {
		h.Set("X-RateLimit-Limit", "unlimited")
		h.Set("X-RateLimit-Remaining", "unlimited")
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	if d.Degraded {
		h.Set("X-RateLimit-Remaining", "unknown")
		return
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
