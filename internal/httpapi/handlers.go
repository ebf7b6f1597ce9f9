package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
	"oncopurpose.org/internal/ratelimit"
)

const serviceName = "oncopurpose-gate"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the backing stores; nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deps wires the API to its services.
type Deps struct {
	Accounts     *auth.Service
	Limiter      *ratelimit.Limiter
	Ready        ReadyProbe
	Version      string
	LoginBurst   int
	LoginPerSec  float64
	MaxBodyBytes int64
	CORSOrigins  []string
	SecureCookie bool

	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Empty means the socket
	// peer is always the client.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	accounts     *auth.Service
	gate         *Gate
	readyProbe   readinessChecker
	version      string
	maxBodyBytes int64
	corsOrigins  []string
	secureCookie bool
	trusted      []netip.Prefix
}

func New(d Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		accounts:     d.Accounts,
		gate:         NewGate(d.Accounts.Tokens(), d.Limiter),
		readyProbe:   d.Ready,
		version:      d.Version,
		maxBodyBytes: d.MaxBodyBytes,
		corsOrigins:  d.CORSOrigins,
		secureCookie: d.SecureCookie,
		trusted:      d.TrustedProxies,
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	burst, perSec := d.LoginBurst, d.LoginPerSec
	if burst <= 0 {
		burst = 20
	}
	if perSec <= 0 {
		perSec = 5
	}
	guard := func(h http.HandlerFunc) http.Handler { return RateLimit(h, burst, perSec) }

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// credentials
	a.mux.Handle("POST /v1/auth/register", guard(a.handleRegister))
	a.mux.Handle("POST /v1/auth/login", guard(a.handleLogin))
	a.mux.Handle("POST /v1/auth/refresh", guard(a.handleRefresh))
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("POST /v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)

	// administration
	admins := RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin)
	a.mux.Handle("GET /v1/admin/principals/{id}", admins(http.HandlerFunc(a.handleGetPrincipal)))
	a.mux.Handle("PATCH /v1/admin/principals/{id}", admins(http.HandlerFunc(a.handleUpdatePrincipal)))

	// protected sample routes
	a.mux.HandleFunc("GET /v1/protected/ping", a.handlePing)
	a.mux.Handle("GET /v1/protected/premium", RequireTier(auth.TierProfessional)(http.HandlerFunc(a.handlePing)))

	return a
}

// Gate exposes the request gate so other transports can share it.
func (a *API) Gate() *Gate { return a.gate }

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.gate.Middleware(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.trusted)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"pong":         true,
		"principal_id": id.PrincipalID,
		"role":         id.Role,
		"tier":         id.Tier,
	})
}
