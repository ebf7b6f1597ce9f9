package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "refresh:"

// Marks every active jti in the lineage set as revoked and drops expired members.
// Rotated entries keep their state so replays keep reporting reuse.
// The enclosing script must define the locals lineageKey and jtiPrefix.
//
// The per-jti hash keys are derived inside the script and are not passed in KEYS. This
// is only valid because lineageKey and every jti key carry the same {principalID} hash
// tag (see jtiPrefix and lineageKey), so on Redis Cluster they map to the slot of the
// declared lineage key. Changing either key layout must keep that tag.
const luaRevokeLineage = `
local members = redis.call('SMEMBERS', lineageKey)
for _, jti in ipairs(members) do
  local key = jtiPrefix .. jti
  local state = redis.call('HGET', key, 'state')
  if state == 'active' then
    redis.call('HSET', key, 'state', 'revoked')
  elseif not state then
    redis.call('SREM', lineageKey, jti)
  end
end
`

var registerScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], 'principal', ARGV[1], 'state', 'active')
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('SADD', KEYS[2], ARGV[2])
if redis.call('PTTL', KEYS[2]) < ttl then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

var rotateScript = redis.NewScript(`
local lineageKey = KEYS[3]
local jtiPrefix = ARGV[4]
local owner = redis.call('HGET', KEYS[1], 'principal')
if not owner or owner ~= ARGV[1] then
  return 'unknown'
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'rotated' then
` + luaRevokeLineage + `
  return 'reused'
end
if state ~= 'active' then
` + luaRevokeLineage + `
  return 'revoked'
end
local ttl = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'rotated')
redis.call('HSET', KEYS[2], 'principal', ARGV[1], 'state', 'active')
redis.call('PEXPIRE', KEYS[2], ttl)
redis.call('SADD', lineageKey, ARGV[2])
if redis.call('PTTL', lineageKey) < ttl then
  redis.call('PEXPIRE', lineageKey, ttl)
end
return 'ok'
`)

var revokeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'active' then
  redis.call('HSET', KEYS[1], 'state', 'revoked')
  return 1
end
return 0
`)

var revokeAllScript = redis.NewScript(`
local lineageKey = KEYS[1]
local jtiPrefix = ARGV[1]
` + luaRevokeLineage + `
return 1
`)

var _ RevocationStore = (*RedisRevocationStore)(nil)

// RedisRevocationStore keeps refresh lineages in Redis. All keys of one principal share
// a hash tag so the Lua scripts stay within a single cluster slot.
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisRevocationOption configures RedisRevocationStore.
type RedisRevocationOption func(*RedisRevocationStore)

// WithRevocationPrefix overrides the key prefix (default "refresh:").
func WithRevocationPrefix(prefix string) RedisRevocationOption {
	return func(s *RedisRevocationStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRevocationClock overrides the time source used for key expiry.
func WithRevocationClock(fn func() time.Time) RedisRevocationOption {
	return func(s *RedisRevocationStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewRedisRevocationStore(client redis.UniversalClient, opts ...RedisRevocationOption) *RedisRevocationStore {
	s := &RedisRevocationStore{client: client, prefix: defaultRevocationPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisRevocationStore) jtiPrefix(principalID string) string {
	return s.prefix + "{" + principalID + "}:jti:"
}

func (s *RedisRevocationStore) lineageKey(principalID string) string {
	return s.prefix + "{" + principalID + "}:lineage"
}

func (s *RedisRevocationStore) ttlMillis(expiresAt time.Time) int64 {
	ms := expiresAt.Sub(s.now()).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

func (s *RedisRevocationStore) Register(ctx context.Context, rec RefreshRecord) error {
	keys := []string{s.jtiPrefix(rec.PrincipalID) + rec.JTI, s.lineageKey(rec.PrincipalID)}
	if err := registerScript.Run(ctx, s.client, keys, rec.PrincipalID, rec.JTI, s.ttlMillis(rec.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("register refresh token: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) Rotate(ctx context.Context, principalID, oldJTI string, next RefreshRecord) (RotateOutcome, error) {
	prefix := s.jtiPrefix(principalID)
	keys := []string{prefix + oldJTI, prefix + next.JTI, s.lineageKey(principalID)}
	res, err := rotateScript.Run(ctx, s.client, keys, principalID, next.JTI, s.ttlMillis(next.ExpiresAt), prefix).Text()
	if err != nil {
		return "", fmt.Errorf("rotate refresh token: %w", err)
	}
	switch out := RotateOutcome(res); out {
	case RotateOK, RotateReused, RotateRevoked, RotateUnknown:
		return out, nil
	default:
		return "", fmt.Errorf("rotate refresh token: unexpected script reply %q", res)
	}
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, principalID, jti string) error {
	if err := revokeScript.Run(ctx, s.client, []string{s.jtiPrefix(principalID) + jti}).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) RevokeAll(ctx context.Context, principalID string) error {
	err := revokeAllScript.Run(ctx, s.client, []string{s.lineageKey(principalID)}, s.jtiPrefix(principalID)).Err()
	if err != nil {
		return fmt.Errorf("revoke refresh lineage: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) State(ctx context.Context, principalID, jti string) (RefreshState, error) {
	vals, err := s.client.HMGet(ctx, s.jtiPrefix(principalID)+jti, "principal", "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RefreshUnknown, nil
		}
		return RefreshUnknown, fmt.Errorf("refresh token state: %w", err)
	}
	owner, _ := vals[0].(string)
	state, _ := vals[1].(string)
	if owner != principalID {
		return RefreshUnknown, nil
	}
	return RefreshState(state), nil
}
