package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
	"oncopurpose.org/internal/quota"
)

type ledgerFunc func(ctx context.Context, identity string, policy quota.Policy) (quota.Result, error)

func (f ledgerFunc) IncrementAndCheck(ctx context.Context, identity string, policy quota.Policy) (quota.Result, error) {
	return f(ctx, identity, policy)
}

func fixedNow() time.Time { return time.Date(2026, 5, 4, 10, 59, 30, 500, time.UTC) }

func TestAdmitUsesTierAllowance(t *testing.T) {
	limiter, err := New(quota.NewMemoryLedger(fixedNow), WithClock(fixedNow))
	require.NoError(t, err)
	ctx := context.Background()

	d := limiter.Admit(ctx, Subject{ID: "p-basic", Tier: auth.TierBasic})
	require.True(t, d.Allowed)
	require.Equal(t, int64(100), d.Limit)
	require.Equal(t, int64(99), d.Remaining)
	require.Equal(t, "basic", d.Policy)

	d = limiter.Admit(ctx, Subject{ID: "p-pro", Tier: auth.TierProfessional})
	require.Equal(t, int64(1000), d.Limit)

	d = limiter.Admit(ctx, Subject{ID: "p-ent", Tier: auth.TierEnterprise})
	require.True(t, d.Allowed)
	require.True(t, d.Unlimited)

	d = limiter.Admit(ctx, Subject{ID: "203.0.113.9", Anonymous: true})
	require.Equal(t, AnonymousPolicy, d.Policy)
	require.Equal(t, int64(600), d.Limit)

	d = limiter.Admit(ctx, Subject{ID: "p-odd", Tier: auth.Tier("gold")})
	require.Equal(t, "basic", d.Policy)
}

func TestAdmitRejectsWithRetryAfter(t *testing.T) {
	policies := DefaultPolicies()
	policies.Tiers[auth.TierBasic] = 2
	limiter, err := New(quota.NewMemoryLedger(fixedNow), WithPolicies(policies), WithClock(fixedNow))
	require.NoError(t, err)

	s := Subject{ID: "p1", Tier: auth.TierBasic}
	require.True(t, limiter.Admit(context.Background(), s).Allowed)
	require.True(t, limiter.Admit(context.Background(), s).Allowed)

	d := limiter.Admit(context.Background(), s)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)
	require.False(t, d.Degraded)
	require.Equal(t, time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC), d.ResetAt)
	require.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestAdmitFailsOpenWhenLedgerDown(t *testing.T) {
	l := obs.Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	down := ledgerFunc(func(context.Context, string, quota.Policy) (quota.Result, error) {
		return quota.Result{}, quota.ErrStoreUnavailable
	})
	limiter, err := New(down)
	require.NoError(t, err)

	d := limiter.Admit(context.Background(), Subject{ID: "p1", Tier: auth.TierBasic})
	require.True(t, d.Allowed)
	require.True(t, d.Degraded)
	require.Equal(t, int64(100), d.Limit)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "quota_degraded", entry["msg"])
	require.Equal(t, "basic", entry["policy"])
	require.True(t, strings.Contains(entry["error"].(string), "store unavailable"))
}

func TestAdmitBoundsLedgerCall(t *testing.T) {
	slow := ledgerFunc(func(ctx context.Context, _ string, _ quota.Policy) (quota.Result, error) {
		select {
		case <-ctx.Done():
			return quota.Result{}, errors.Join(quota.ErrStoreUnavailable, ctx.Err())
		case <-time.After(5 * time.Second):
			return quota.Result{Allowed: false}, nil
		}
	})
	limiter, err := New(slow, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	d := limiter.Admit(context.Background(), Subject{ID: "p1", Tier: auth.TierBasic})
	require.Less(t, time.Since(start), time.Second)
	require.True(t, d.Allowed)
	require.True(t, d.Degraded)
}

func TestNewRejectsInvalidPolicies(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	p := DefaultPolicies()
	delete(p.Tiers, auth.TierProfessional)
	_, err = New(quota.NewMemoryLedger(nil), WithPolicies(p))
	require.Error(t, err)

	p = DefaultPolicies()
	p.Window = 0
	_, err = New(quota.NewMemoryLedger(nil), WithPolicies(p))
	require.Error(t, err)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Second, retryAfter(now, now))
	require.Equal(t, time.Second, retryAfter(now.Add(300*time.Millisecond), now))
	require.Equal(t, 2*time.Second, retryAfter(now.Add(1100*time.Millisecond), now))
	require.Equal(t, time.Hour, retryAfter(now.Add(time.Hour), now))
}
