package rate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const purchaseMinuteWindow = time.Minute

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

// Limiter caps purchase attempts per buyer per minute. It guards the payment
// gateway against runaway clients; correctness of the pipeline never depends
// on it.
type Limiter struct {
	store     WindowStore
	perMinute int
}

func NewLimiter(store WindowStore, perMinute int) *Limiter {
	if perMinute < 0 {
		perMinute = 0
	}

	return &Limiter{
		store:     store,
		perMinute: perMinute,
	}
}

// AllowPurchase consumes one slot from the buyer's window. When the window
// is exhausted it reports the seconds until the window resets.
func (l *Limiter) AllowPurchase(ctx context.Context, buyerID string) (int64, bool, error) {
	if strings.TrimSpace(buyerID) == "" {
		return 0, false, fmt.Errorf("invalid buyer id")
	}
	if l.store == nil {
		return 0, false, fmt.Errorf("rate limiter store is nil")
	}
	if l.perMinute <= 0 {
		return 0, true, nil
	}

	count, ttl, err := l.store.IncrementWindow(ctx, purchaseKey(buyerID), purchaseMinuteWindow)
	if err != nil {
		return 0, false, err
	}
	if count > int64(l.perMinute) {
		return ceilSeconds(ttl), false, nil
	}

	return 0, true, nil
}

// RetryAfterPurchase reports the current backoff without consuming a slot.
func (l *Limiter) RetryAfterPurchase(ctx context.Context, buyerID string) (int64, error) {
	if strings.TrimSpace(buyerID) == "" {
		return 0, fmt.Errorf("invalid buyer id")
	}
	if l.store == nil {
		return 0, fmt.Errorf("rate limiter store is nil")
	}
	if l.perMinute <= 0 {
		return 0, nil
	}

	count, ttl, err := l.store.WindowState(ctx, purchaseKey(buyerID))
	if err != nil {
		return 0, err
	}
	if count >= int64(l.perMinute) {
		return ceilSeconds(ttl), nil
	}

	return 0, nil
}

func purchaseKey(buyerID string) string {
	return "rate:purchase:min:" + strings.TrimSpace(buyerID)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
