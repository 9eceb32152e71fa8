package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redrepo "github.com/wondernest/marketplace/internal/repo/redis"
)

func TestLimiterBlocksWhenMinuteWindowExhausted(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 3)

	ctx := context.Background()
	buyerID := "parent-42"

	for i := 0; i < 3; i++ {
		retryAfter, allowed, err := limiter.AllowPurchase(ctx, buyerID)
		if err != nil {
			t.Fatalf("allow purchase #%d: %v", i+1, err)
		}
		if !allowed || retryAfter != 0 {
			t.Fatalf("unexpected result on allow #%d: allowed=%v retry_after=%d", i+1, allowed, retryAfter)
		}
	}

	retryAfter, allowed, err := limiter.AllowPurchase(ctx, buyerID)
	if err != nil {
		t.Fatalf("allow purchase #4: %v", err)
	}
	if allowed {
		t.Fatalf("expected limiter block on fourth attempt in minute window")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %d", retryAfter)
	}

	currentRetry, err := limiter.RetryAfterPurchase(ctx, buyerID)
	if err != nil {
		t.Fatalf("retry_after state: %v", err)
	}
	if currentRetry <= 0 {
		t.Fatalf("expected positive retry_after state, got %d", currentRetry)
	}

	mr.FastForward(61 * time.Second)

	retryAfter, allowed, err = limiter.AllowPurchase(ctx, buyerID)
	if err != nil {
		t.Fatalf("allow purchase after window reset: %v", err)
	}
	if !allowed || retryAfter != 0 {
		t.Fatalf("unexpected result after fast forward: allowed=%v retry_after=%d", allowed, retryAfter)
	}
}

func TestLimiterDisabledWhenLimitZero(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 0)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		retryAfter, allowed, err := limiter.AllowPurchase(ctx, "parent-1")
		if err != nil {
			t.Fatalf("allow purchase #%d: %v", i+1, err)
		}
		if !allowed || retryAfter != 0 {
			t.Fatalf("limiter with zero limit must always allow, got allowed=%v retry_after=%d", allowed, retryAfter)
		}
	}
}

func TestLimiterIsolatesBuyers(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 1)

	ctx := context.Background()

	if _, allowed, err := limiter.AllowPurchase(ctx, "parent-a"); err != nil || !allowed {
		t.Fatalf("first attempt for parent-a should pass: allowed=%v err=%v", allowed, err)
	}
	if _, allowed, err := limiter.AllowPurchase(ctx, "parent-a"); err != nil || allowed {
		t.Fatalf("second attempt for parent-a should block: allowed=%v err=%v", allowed, err)
	}
	if _, allowed, err := limiter.AllowPurchase(ctx, "parent-b"); err != nil || !allowed {
		t.Fatalf("parent-b must not be affected by parent-a window: allowed=%v err=%v", allowed, err)
	}
}

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}
