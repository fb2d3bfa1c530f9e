package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/google/uuid"
)

const signerA = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "signer1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "signer1", 3)
	rl.Allow(ctx, "signer1", 3)

	allowed, remaining, _, _ = rl.Allow(ctx, "signer1", 3)
	if allowed {
		t.Error("expected allowed to be false after limit exceeded")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "signer1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "signer1", 1); allowed {
		t.Error("signer1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "signer2", 1); !allowed {
		t.Error("signer2 should not be rate limited")
	}
}

func TestInMemoryRateLimiter_ResetTime(t *testing.T) {
	rl := NewInMemoryRateLimiter()

	_, _, resetAt, err := rl.Allow(context.Background(), "signer1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diff := resetAt.Sub(time.Now().Add(time.Minute))
	if diff < -time.Second || diff > time.Second {
		t.Errorf("resetAt should be ~1 minute from now, got diff %v", diff)
	}
}

func TestInMemoryRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	limit := 100

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if ok, _, _, _ := rl.Allow(ctx, "signer1", limit); ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want exactly %d", granted, limit)
	}
}

func TestGuard_Check(t *testing.T) {
	g := NewGuard(NewInMemoryRateLimiter(), 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Check(ctx, signerA)
		if err != nil {
			t.Fatalf("run %d: unexpected error %v", i, err)
		}
		if !d.Allowed || d.Limit != 2 {
			t.Errorf("run %d: decision = %+v", i, d)
		}
	}

	d, err := g.Check(ctx, signerA)
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("error = %v, want ErrRateLimitExceeded", err)
	}
	if d.Allowed || d.Remaining != 0 || d.ResetAt.IsZero() {
		t.Errorf("decision = %+v", d)
	}
}

func TestGuard_CaseInsensitiveSigner(t *testing.T) {
	g := NewGuard(NewInMemoryRateLimiter(), 1)
	ctx := context.Background()

	g.Check(ctx, signerA)
	if _, err := g.Check(ctx, "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Errorf("checksum and lowercase forms should share a quota, got %v", err)
	}
}

func TestGuard_Disabled(t *testing.T) {
	g := NewGuard(NewInMemoryRateLimiter(), 0)

	for i := 0; i < 50; i++ {
		if _, err := g.Check(context.Background(), signerA); err != nil {
			t.Fatalf("disabled guard returned %v", err)
		}
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return false, 0, time.Time{}, errors.New("redis down")
}

func TestGuard_BackendError(t *testing.T) {
	g := NewGuard(failingLimiter{}, 5)

	_, err := g.Check(context.Background(), signerA)
	if err == nil || errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Errorf("error = %v, want backend error", err)
	}
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis test")
	}

	rl, err := NewRedisRateLimiter(redisURL)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}
	defer rl.Close()

	ctx := context.Background()
	key := "test-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		if allowed, _, _, err := rl.Allow(ctx, key, 3); err != nil || !allowed {
			t.Fatalf("run %d: allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, remaining, _, err := rl.Allow(ctx, key, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || remaining != 0 {
		t.Errorf("allowed=%v remaining=%d, want denied", allowed, remaining)
	}
}
