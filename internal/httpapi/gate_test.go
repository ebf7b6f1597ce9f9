package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/quota"
	"oncopurpose.org/internal/ratelimit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type gateEnv struct {
	gate      *Gate
	tokens    *auth.TokenService
	store     *auth.MemoryStore
	limiter   *ratelimit.Limiter
	clock     *testClock
	principal auth.Principal
}

func newGateEnv(t *testing.T, basicLimit int64) *gateEnv {
	t.Helper()
	return newGateEnvWithLedger(t, basicLimit, nil)
}

func newGateEnvWithLedger(t *testing.T, basicLimit int64, ledger quota.Ledger) *gateEnv {
	t.Helper()
	clock := &testClock{t: time.Now().UTC()}
	store := auth.NewMemoryStore()
	tokens, err := auth.NewTokenService(testSecret, auth.NewMemoryRevocationStore(), store, auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if ledger == nil {
		ledger = quota.NewMemoryLedger(clock.Now)
	}
	policies := ratelimit.DefaultPolicies()
	policies.Tiers[auth.TierBasic] = basicLimit
	limiter, err := ratelimit.New(ledger, ratelimit.WithPolicies(policies), ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	p := &auth.Principal{Email: "gate@example.com", PasswordHash: "x", Role: auth.RoleResearcher, Tier: auth.TierBasic, Active: true}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &gateEnv{
		gate:      NewGate(tokens, limiter),
		tokens:    tokens,
		store:     store,
		limiter:   limiter,
		clock:     clock,
		principal: *p,
	}
}

func (e *gateEnv) accessToken(t *testing.T) string {
	t.Helper()
	return e.accessTokenFor(t, e.principal)
}

func (e *gateEnv) accessTokenFor(t *testing.T, p auth.Principal) string {
	t.Helper()
	pair, err := e.tokens.IssueTokenPair(context.Background(), p)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	return pair.AccessToken
}

// identityEcho reports the identity the gate attached, or 204 when there is none.
var identityEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, id)
})

func (e *gateEnv) serve(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	RequestID(e.gate.Middleware(identityEcho)).ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestGateAdmitsValidToken(t *testing.T) {
	env := newGateEnv(t, 100)
	rr := env.serve("/v1/protected/ping", env.accessToken(t))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var id auth.Identity
	if err := json.Unmarshal(rr.Body.Bytes(), &id); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if id.PrincipalID != env.principal.ID || id.Tier != auth.TierBasic || id.Role != auth.RoleResearcher {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset <= env.clock.Now().Unix() {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
}

func TestGateRejectsMissingAndInvalidTokens(t *testing.T) {
	env := newGateEnv(t, 100)

	rr := env.serve("/v1/protected/ping", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	body := decodeError(t, rr)
	if body.Code != codeUnauthenticated || body.RequestID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("unauthenticated requests must not be metered")
	}

	rr = env.serve("/v1/protected/ping", "garbage.token.value")
	if rr.Code != http.StatusUnauthorized || decodeError(t, rr).Code != codeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestGateReportsExpiredToken(t *testing.T) {
	env := newGateEnv(t, 100)
	token := env.accessToken(t)
	env.clock.Advance(20 * time.Minute)

	rr := env.serve("/v1/protected/ping", token)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != codeTokenExpired {
		t.Fatalf("expected token_expired, got %+v", body)
	}
}

func TestGateRateLimitsPerPrincipal(t *testing.T) {
	env := newGateEnv(t, 3)
	token := env.accessToken(t)
	for i := 0; i < 3; i++ {
		if rr := env.serve("/v1/protected/ping", token); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := env.serve("/v1/protected/ping", token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != codeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", body)
	}
	if retry, err := strconv.Atoi(rr.Header().Get("Retry-After")); err != nil || retry < 1 {
		t.Fatalf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}

	other := &auth.Principal{Email: "other@example.com", PasswordHash: "x", Role: auth.RoleResearcher, Tier: auth.TierBasic, Active: true}
	if err := env.store.Create(context.Background(), other); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rr := env.serve("/v1/protected/ping", env.accessTokenFor(t, *other)); rr.Code != http.StatusOK {
		t.Fatalf("other principal should have its own quota, got %d", rr.Code)
	}
}

func TestGateEnterpriseIsUnlimited(t *testing.T) {
	env := newGateEnv(t, 1)
	ent := env.principal
	ent.Tier = auth.TierEnterprise
	token := env.accessTokenFor(t, ent)
	for i := 0; i < 5; i++ {
		rr := env.serve("/v1/protected/ping", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "unlimited" || rr.Header().Get("X-RateLimit-Remaining") != "unlimited" {
			t.Fatalf("unexpected headers: %v", rr.Header())
		}
	}
}

type downLedger struct{}

func (downLedger) IncrementAndCheck(context.Context, string, quota.Policy) (quota.Result, error) {
	return quota.Result{}, errors.New("dial tcp: connection refused")
}

func TestGateFailsOpenWhenQuotaStoreDown(t *testing.T) {
	env := newGateEnvWithLedger(t, 1, downLedger{})
	token := env.accessToken(t)
	for i := 0; i < 3; i++ {
		rr := env.serve("/v1/protected/ping", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected fail-open 200, got %d", i, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Remaining") != "unknown" {
			t.Fatalf("expected unknown remaining, got %q", rr.Header().Get("X-RateLimit-Remaining"))
		}
		if rr.Header().Get("X-RateLimit-Reset") != "" {
			t.Fatalf("reset must be omitted when degraded")
		}
	}
}

func TestGatePublicPathsUseAnonymousTier(t *testing.T) {
	env := newGateEnv(t, 1)
	rr := env.serve("/healthz", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected anonymous pass-through, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "600" {
		t.Fatalf("expected anonymous limit 600, got %q", got)
	}

	// a token on a public path is not turned into an identity
	rr = env.serve("/v1/auth/login", env.accessToken(t))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected no identity on public path, got %d", rr.Code)
	}
}

func TestGateEvaluateStates(t *testing.T) {
	env := newGateEnv(t, 1)
	ctx := context.Background()
	token := env.accessToken(t)

	v := env.gate.Evaluate(ctx, GateRequest{Token: token})
	if !v.Dispatched() || !v.Metered || v.Identity.PrincipalID != env.principal.ID {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	v = env.gate.Evaluate(ctx, GateRequest{Token: token})
	if v.Outcome != OutcomeRateLimited || v.Decision.Allowed {
		t.Fatalf("expected rate limited verdict, got %+v", v)
	}
	v = env.gate.Evaluate(ctx, GateRequest{})
	if v.Outcome != OutcomeUnauthenticated || v.Metered {
		t.Fatalf("expected unmetered unauthenticated verdict, got %+v", v)
	}
}
