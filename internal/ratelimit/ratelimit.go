// Package ratelimit bounds how many orchestration runs a single signer may
// start per minute. Each run spends funds from the signer's ledger, so the
// limiter sits in front of run creation.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/metrics"
)

const windowDuration = time.Minute

// RateLimiter defines the interface for rate limiting backends.
// Returns whether the run is allowed, remaining quota, and reset time.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// Decision is the outcome of a Guard check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Guard applies a fixed runs-per-minute limit per signer address.
// A non-positive limit disables limiting.
type Guard struct {
	limiter RateLimiter
	limit   int
}

func NewGuard(limiter RateLimiter, runsPerMinute int) *Guard {
	return &Guard{limiter: limiter, limit: runsPerMinute}
}

// Check consumes one run from the signer's quota. When the quota is spent it
// returns the decision together with domain.ErrRateLimitExceeded.
func (g *Guard) Check(ctx context.Context, signer string) (Decision, error) {
	if g.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	key := strings.ToLower(signer)
	allowed, remaining, resetAt, err := g.limiter.Allow(ctx, key, g.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     g.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		metrics.RecordRateLimitHit(key)
		return d, fmt.Errorf("%w: %d runs per minute for %s", domain.ErrRateLimitExceeded, g.limit, signer)
	}
	return d, nil
}

// InMemoryRateLimiter implements fixed one-minute windows in process memory.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	w, ok := r.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowDuration)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
