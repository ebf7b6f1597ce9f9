// Package quota counts requests per identity in fixed time buckets.
package quota

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrStoreUnavailable is returned when the backing counter store cannot be reached.
var ErrStoreUnavailable = errors.New("quota: store unavailable")

// DefaultWindow is the bucket size used when a policy does not set one.
const DefaultWindow = time.Hour

// Policy is the allowance applied to one class of callers. A zero Limit means unlimited.
type Policy struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Unlimited reports whether the policy never rejects.
func (p Policy) Unlimited() bool { return p.Limit <= 0 }

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

// Bucket returns the start and end of the bucket containing now.
func (p Policy) Bucket(now time.Time) (start, reset time.Time) {
	w := p.window()
	start = now.UTC().Truncate(w)
	return start, start.Add(w)
}

// Result is the outcome of one admission attempt.
type Result struct {
	Allowed   bool
	Unlimited bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Ledger atomically checks and consumes one unit of quota. Rejected attempts are not counted.
type Ledger interface {
	IncrementAndCheck(ctx context.Context, identity string, policy Policy) (Result, error)
}

func unlimitedResult(policy Policy, now time.Time) Result {
	_, reset := policy.Bucket(now)
	return Result{Allowed: true, Unlimited: true, ResetAt: reset}
}

// result builds a Result from the post-call counter value.
func result(policy Policy, allowed bool, count int64, reset time.Time) Result {
	remaining := policy.Limit - count
	if !allowed || remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: allowed, Limit: policy.Limit, Remaining: remaining, ResetAt: reset}
}

func bucketKey(prefix, policy, identity string, start time.Time) string {
	return prefix + policy + ":" + identity + ":" + strconv.FormatInt(start.Unix(), 10)
}
