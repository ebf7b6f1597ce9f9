// Package config loads service settings from the environment, an optional .env file and
// an optional YAML tier-policy file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/ratelimit"
)

const devSecret = "development-only-secret-do-not-deploy!"

// Config holds runtime settings for the API and the admin tools.
type Config struct {
	Env          string
	HTTPAddr     string
	GRPCAddr     string
	PGDSN        string
	RedisURL     string
	AuthSecret   string
	AuthIssuer   string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	BcryptCost   int
	StoreTimeout time.Duration
	Policies     ratelimit.Policies
	LoginBurst   int
	LoginPerSec  float64
	MaxBodyBytes int64
	CORSOrigins  []string
	SecureCookie bool

	// TrustedProxies lists peers whose forwarding headers name the client.
	TrustedProxies []netip.Prefix
}

// Development reports whether the service runs with development defaults.
func (c Config) Development() bool { return c.Env == "development" }

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Unset variables take their defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	cfg := Config{
		Env:          e.str("ONCO_ENV", "production"),
		HTTPAddr:     e.str("ONCO_HTTP_ADDR", ":8080"),
		GRPCAddr:     e.str("ONCO_GRPC_ADDR", ""),
		PGDSN:        e.str("ONCO_PG_DSN", ""),
		RedisURL:     e.str("ONCO_REDIS_URL", ""),
		AuthSecret:   e.str("ONCO_AUTH_SECRET", ""),
		AuthIssuer:   e.str("ONCO_AUTH_ISSUER", "oncopurpose"),
		AccessTTL:    e.duration("ONCO_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:   e.duration("ONCO_REFRESH_TTL", 7*24*time.Hour),
		BcryptCost:   e.integer("ONCO_BCRYPT_COST", auth.DefaultBcryptCost),
		StoreTimeout: e.duration("ONCO_STORE_TIMEOUT", ratelimit.DefaultTimeout),
		LoginBurst:   e.integer("ONCO_LOGIN_BURST", 20),
		LoginPerSec:  e.float("ONCO_LOGIN_PER_SEC", 5),
		MaxBodyBytes: int64(e.integer("ONCO_MAX_BODY_BYTES", 1<<20)),
		CORSOrigins:  e.list("ONCO_CORS_ORIGINS"),
		SecureCookie: e.boolean("ONCO_SECURE_COOKIE", true),
		Policies:     ratelimit.DefaultPolicies(),

		TrustedProxies: e.prefixes("ONCO_TRUSTED_PROXIES"),
	}
	cfg.Policies.Window = e.duration("ONCO_QUOTA_WINDOW", cfg.Policies.Window)
	if e.err != nil {
		return Config{}, e.err
	}

	if path := e.str("ONCO_TIERS_FILE", ""); path != "" {
		p, err := LoadPolicies(path, cfg.Policies)
		if err != nil {
			return Config{}, err
		}
		cfg.Policies = p
	}

	if cfg.AuthSecret == "" && cfg.Development() {
		cfg.AuthSecret = devSecret
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return errors.New("config: ONCO_AUTH_SECRET must be at least 32 bytes")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= c.AccessTTL {
		return errors.New("config: refresh ttl must exceed a positive access ttl")
	}
	if c.StoreTimeout <= 0 || c.StoreTimeout >= time.Second {
		return fmt.Errorf("config: ONCO_STORE_TIMEOUT must be within (0, 1s), got %s", c.StoreTimeout)
	}
	if c.LoginBurst <= 0 || c.LoginPerSec <= 0 {
		return errors.New("config: login guard burst and rate must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: ONCO_MAX_BODY_BYTES must be positive")
	}
	return c.Policies.Validate()
}

type policyFile struct {
	Window    time.Duration    `yaml:"window"`
	Anonymous *int64           `yaml:"anonymous"`
	Tiers     map[string]int64 `yaml:"tiers"`
}

// LoadPolicies overlays the YAML file at path onto base.
func LoadPolicies(path string, base ratelimit.Policies) (ratelimit.Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ratelimit.Policies{}, fmt.Errorf("read tiers file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ratelimit.Policies{}, fmt.Errorf("parse tiers file %s: %w", path, err)
	}
	out := ratelimit.Policies{
		Window:    base.Window,
		Anonymous: base.Anonymous,
		Tiers:     make(map[auth.Tier]int64, len(base.Tiers)),
	}
	for tier, limit := range base.Tiers {
		out.Tiers[tier] = limit
	}
	if f.Window > 0 {
		out.Window = f.Window
	}
	if f.Anonymous != nil {
		out.Anonymous = *f.Anonymous
	}
	for name, limit := range f.Tiers {
		tier, ok := auth.ParseTier(name)
		if !ok {
			return ratelimit.Policies{}, fmt.Errorf("tiers file %s: unknown tier %q", path, name)
		}
		out.Tiers[tier] = limit
	}
	return out, out.Validate()
}

// env collects the first parse error so FromEnv can report it once.
type env struct {
	get func(string) string
	err error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.get(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prefixes parses a list of CIDRs or bare addresses; a bare address is a single-host prefix.
func (e *env) prefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range e.list(key) {
		if addr, err := netip.ParseAddr(part); err == nil {
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			e.fail(key, part, err)
			return nil
		}
		out = append(out, p.Masked())
	}
	return out
}
