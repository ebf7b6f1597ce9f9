package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "quota:"

// Reads the counter and only increments while below the limit, so rejected requests
// never consume quota. The expiry is set once, on the first increment of a bucket.
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

var _ Ledger = (*RedisLedger)(nil)

// RedisLedger keeps bucket counters in Redis and is safe to share across instances.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption configures RedisLedger.
type RedisOption func(*RedisLedger)

// WithKeyPrefix overrides the key prefix (default "quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) RedisOption {
	return func(l *RedisLedger) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewRedisLedger(client redis.UniversalClient, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) IncrementAndCheck(ctx context.Context, identity string, policy Policy) (Result, error) {
	now := l.now()
	if policy.Unlimited() {
		return unlimitedResult(policy, now), nil
	}
	start, reset := policy.Bucket(now)
	ttl := reset.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	key := bucketKey(l.prefix, policy.Name, identity, start)
	vals, err := incrementScript.Run(ctx, l.client, []string{key}, policy.Limit, ttl).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, vals)
	}
	return result(policy, vals[0] == 1, vals[1], reset), nil
}

// Ping reports whether Redis answers.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
