// Package grants owns the single write that makes a purchase usable:
// putting a listing into a child's library.
package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	redisrepo "github.com/wondernest/marketplace/internal/repo/redis"
)

var ErrValidation = errors.New("validation error")

type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeAlreadyGranted Outcome = "already_granted"
)

type Store interface {
	Grant(ctx context.Context, childID, listingID, transactionID, grantedBy string) (bool, error)
}

type Notifier interface {
	PublishGrant(ctx context.Context, event redisrepo.GrantEvent) error
}

type Service struct {
	store    Store
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

type Input struct {
	ChildID       string
	ListingID     string
	TransactionID string
	GrantedBy     string
}

// Grant puts one listing into one child's library. Granting is
// insert-or-ignore on the (child, listing) pair: repeating a grant is a
// no-op reported as OutcomeAlreadyGranted, so retries and replays never
// produce a second entry.
func (s *Service) Grant(ctx context.Context, in Input) (Outcome, error) {
	if s.store == nil {
		return "", fmt.Errorf("grant store is nil")
	}

	childID := strings.TrimSpace(in.ChildID)
	listingID := strings.TrimSpace(in.ListingID)
	transactionID := strings.TrimSpace(in.TransactionID)
	if childID == "" || listingID == "" || transactionID == "" {
		return "", ErrValidation
	}

	created, err := s.store.Grant(ctx, childID, listingID, transactionID, strings.TrimSpace(in.GrantedBy))
	if err != nil {
		return "", fmt.Errorf("grant library entry: %w", err)
	}
	if !created {
		return OutcomeAlreadyGranted, nil
	}

	s.publish(ctx, childID, listingID, transactionID)
	return OutcomeGranted, nil
}

// publish is best effort. The library row is already durable; the event
// only feeds the "new in your library" surface.
func (s *Service) publish(ctx context.Context, childID, listingID, transactionID string) {
	if s.notifier == nil {
		return
	}

	event := redisrepo.GrantEvent{
		TransactionID: transactionID,
		ChildID:       childID,
		ListingID:     listingID,
		GrantedAt:     s.now().UTC(),
	}
	if err := s.notifier.PublishGrant(ctx, event); err != nil {
		s.log.Warn("grant event publish failed",
			zap.String("transaction_id", transactionID),
			zap.String("child_id", childID),
			zap.Error(err),
		)
	}
}
