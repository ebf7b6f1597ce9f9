package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/config"
	"oncopurpose.org/internal/ratelimit"
)

func testConfig(t *testing.T, vars map[string]string) config.Config {
	t.Helper()
	base := map[string]string{
		"ONCO_ENV":         "development",
		"ONCO_BCRYPT_COST": "4",
	}
	for k, v := range vars {
		base[k] = v
	}
	cfg, err := config.FromEnv(func(k string) string { return base[k] })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestOpenWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, map[string]string{"ONCO_REDIS_URL": "redis://" + mr.Addr()})

	ctx := context.Background()
	stores, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stores.Close()
	if stores.Redis == nil || stores.DB != nil {
		t.Fatalf("unexpected backends: %+v", stores)
	}

	svc, err := stores.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := svc.Accounts.Register(ctx, auth.Registration{Email: "ada@example.com", Password: "long enough password"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, pair, err := svc.Accounts.Login(ctx, "ada@example.com", "long enough password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := svc.Accounts.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	d := svc.Limiter.Admit(ctx, ratelimit.Subject{ID: p.ID, Tier: p.Tier})
	if !d.Allowed || d.Degraded || d.Remaining != 99 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected revocation and quota keys in redis")
	}
}

func TestOpenMemoryFallback(t *testing.T) {
	cfg := testConfig(t, nil)
	stores, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stores.Close()
	if _, ok := stores.Credentials.(*auth.MemoryStore); !ok {
		t.Fatalf("expected memory credentials, got %T", stores.Credentials)
	}
	if _, err := stores.Build(cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestOpenRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := testConfig(t, map[string]string{"ONCO_REDIS_URL": "redis://" + addr})
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
