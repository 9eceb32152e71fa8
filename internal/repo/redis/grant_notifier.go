package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	grantEventsKey    = "grants:events"
	grantEventsMaxLen = 10000
)

// GrantNotifier queues grant events for downstream usage tracking. Consumers
// pop from the list at their own pace; the queue is capped so a stalled
// consumer cannot grow Redis without bound.
type GrantNotifier struct {
	client *goredis.Client
}

type GrantEvent struct {
	TransactionID string    `json:"transaction_id"`
	ChildID       string    `json:"child_id"`
	ListingID     string    `json:"listing_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

func NewGrantNotifier(client *goredis.Client) *GrantNotifier {
	return &GrantNotifier{client: client}
}

func (n *GrantNotifier) PublishGrant(ctx context.Context, event GrantEvent) error {
	if n.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if strings.TrimSpace(event.TransactionID) == "" ||
		strings.TrimSpace(event.ChildID) == "" ||
		strings.TrimSpace(event.ListingID) == "" {
		return fmt.Errorf("invalid grant event payload")
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal grant event: %w", err)
	}

	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, grantEventsKey, raw)
	pipe.LTrim(ctx, grantEventsKey, 0, grantEventsMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish grant event: %w", err)
	}

	return nil
}

// PendingEvents reports the queue depth, for health surfaces and tests.
func (n *GrantNotifier) PendingEvents(ctx context.Context) (int64, error) {
	if n.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	length, err := n.client.LLen(ctx, grantEventsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read grant event queue length: %w", err)
	}

	return length, nil
}
