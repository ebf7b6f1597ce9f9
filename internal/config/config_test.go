package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oncopurpose.org/internal/auth"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

const secret = "0123456789abcdef0123456789abcdef"

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"ONCO_AUTH_SECRET": secret}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected store timeout %s", cfg.StoreTimeout)
	}
	if cfg.Policies.Tiers[auth.TierBasic] != 100 || cfg.Policies.Tiers[auth.TierProfessional] != 1000 {
		t.Fatalf("unexpected tier limits: %+v", cfg.Policies.Tiers)
	}
	if cfg.BcryptCost != 12 {
		t.Fatalf("unexpected bcrypt cost %d", cfg.BcryptCost)
	}
}

func TestFromEnvRequiresSecret(t *testing.T) {
	if _, err := FromEnv(envMap(nil)); err == nil {
		t.Fatalf("expected error without secret")
	}
	cfg, err := FromEnv(envMap(map[string]string{"ONCO_ENV": "development"}))
	if err != nil {
		t.Fatalf("development fallback: %v", err)
	}
	if cfg.AuthSecret == "" {
		t.Fatalf("expected development secret")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"ONCO_AUTH_SECRET":   secret,
		"ONCO_ACCESS_TTL":    "5m",
		"ONCO_QUOTA_WINDOW":  "30m",
		"ONCO_CORS_ORIGINS":  "https://app.example.com, https://admin.example.com",
		"ONCO_SECURE_COOKIE": "false",

		"ONCO_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.7",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.AccessTTL != 5*time.Minute || cfg.Policies.Window != 30*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
	if cfg.SecureCookie {
		t.Fatalf("expected insecure cookie")
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1].String() != "192.0.2.7/32" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.TrustedProxies)
	}
	if !cfg.TrustedProxies[0].Contains(netip.MustParseAddr("10.1.2.3")) {
		t.Fatalf("expected 10.0.0.0/8 to cover 10.1.2.3")
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"ONCO_ACCESS_TTL":    "soon",
		"ONCO_BCRYPT_COST":   "twelve",
		"ONCO_STORE_TIMEOUT": "2s",

		"ONCO_TRUSTED_PROXIES": "10.0.0.0/33",
	}
	for key, value := range cases {
		_, err := FromEnv(envMap(map[string]string{"ONCO_AUTH_SECRET": secret, key: value}))
		if err == nil {
			t.Fatalf("%s=%s: expected error", key, value)
		}
	}
}

func TestTiersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	body := "window: 2h\nanonymous: 50\ntiers:\n  basic: 10\n  Enterprise: 0\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := FromEnv(envMap(map[string]string{"ONCO_AUTH_SECRET": secret, "ONCO_TIERS_FILE": path}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	p := cfg.Policies
	if p.Window != 2*time.Hour || p.Anonymous != 50 || p.Tiers[auth.TierBasic] != 10 {
		t.Fatalf("tiers file not applied: %+v", p)
	}
	if p.Tiers[auth.TierProfessional] != 1000 {
		t.Fatalf("unlisted tier should keep its default: %+v", p.Tiers)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("tiers:\n  platinum: 5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = FromEnv(envMap(map[string]string{"ONCO_AUTH_SECRET": secret, "ONCO_TIERS_FILE": bad}))
	if err == nil || !strings.Contains(err.Error(), "platinum") {
		t.Fatalf("expected unknown tier error, got %v", err)
	}
}
