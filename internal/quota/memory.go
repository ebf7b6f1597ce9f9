package quota

import (
	"context"
	"sync"
	"time"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is a single-process Ledger with the same semantics as RedisLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	swept   time.Time
	now     func() time.Time
}

type memoryBucket struct {
	count   int64
	expires time.Time
}

func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{buckets: make(map[string]*memoryBucket), now: now}
}

func (l *MemoryLedger) IncrementAndCheck(ctx context.Context, identity string, policy Policy) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, ErrStoreUnavailable
	}
	now := l.now()
	if policy.Unlimited() {
		return unlimitedResult(policy, now), nil
	}
	start, reset := policy.Bucket(now)
	key := bucketKey("", policy.Name, identity, start)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{expires: reset}
		l.buckets[key] = b
	}
	if b.count >= policy.Limit {
		return result(policy, false, b.count, reset), nil
	}
	b.count++
	return result(policy, true, b.count, reset), nil
}

// sweep drops expired buckets at most once a minute. Callers hold l.mu.
func (l *MemoryLedger) sweep(now time.Time) {
	if now.Sub(l.swept) < time.Minute {
		return
	}
	l.swept = now
	for k, b := range l.buckets {
		if !now.Before(b.expires) {
			delete(l.buckets, k)
		}
	}
}
