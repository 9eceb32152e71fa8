// Package entitlements decides whether a purchase attempt is allowed to
// proceed at all. It answers one question: may this buyer put this
// listing into these children's libraries? Nothing here touches money.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/domain/model"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrListingUnavailable = errors.New("listing is not available for purchase")
	ErrChildNotInFamily   = errors.New("child does not belong to the buyer's family")
)

// AlreadyOwnedError rejects an attempt because some or all of the
// target children already own the listing. The request is refused as a
// whole either way; the caller is told exactly which children block it
// so the retry can drop them.
type AlreadyOwnedError struct {
	ChildIDs []string
	All      bool
}

func (e *AlreadyOwnedError) Error() string {
	if e.All {
		return "all target children already own this listing"
	}
	return fmt.Sprintf("already owned by children: %s", strings.Join(e.ChildIDs, ", "))
}

// IsRejection reports whether err is a business rejection rather than
// an infrastructure failure. Rejections are safe to surface to the
// buyer; everything else means the check itself could not run.
func IsRejection(err error) bool {
	var ownedErr *AlreadyOwnedError
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrListingUnavailable) ||
		errors.Is(err, ErrChildNotInFamily) ||
		errors.As(err, &ownedErr)
}

type ListingStore interface {
	FindByID(ctx context.Context, listingID string) (pgrepo.ListingRecord, error)
}

type ChildStore interface {
	FindByIDs(ctx context.Context, childIDs []string) ([]pgrepo.ChildRecord, error)
}

type OwnershipStore interface {
	OwnedChildIDs(ctx context.Context, listingID string, childIDs []string) ([]string, error)
}

type Config struct {
	MaxChildrenPerPurchase int
}

type Service struct {
	listings  ListingStore
	children  ChildStore
	ownership OwnershipStore
	cfg       Config
}

// Input identifies one purchase attempt to validate. FamilyID comes
// from the buyer's verified token, never from the request body.
type Input struct {
	BuyerID   string
	FamilyID  string
	ListingID string
	ChildIDs  []string
}

// Result is returned only when the attempt passed every check. The
// listing record is included so the caller does not have to re-read it
// to price the charge; Children holds the verified family members in
// request order.
type Result struct {
	Listing  pgrepo.ListingRecord
	Children []model.Child
}

func NewService(listings ListingStore, children ChildStore, ownership OwnershipStore, cfg Config) *Service {
	if cfg.MaxChildrenPerPurchase <= 0 {
		cfg.MaxChildrenPerPurchase = 10
	}

	return &Service{
		listings:  listings,
		children:  children,
		ownership: ownership,
		cfg:       cfg,
	}
}

// Validate runs the eligibility checks in a fixed order: the listing
// must be purchasable, every target child must be an active member of
// the buyer's family, and none of them may own the listing yet. The
// first failed check wins.
func (s *Service) Validate(ctx context.Context, in Input) (Result, error) {
	if s.listings == nil || s.children == nil || s.ownership == nil {
		return Result{}, fmt.Errorf("entitlement stores are not configured")
	}

	buyerID := strings.TrimSpace(in.BuyerID)
	familyID := strings.TrimSpace(in.FamilyID)
	listingID := strings.TrimSpace(in.ListingID)
	if buyerID == "" || familyID == "" || listingID == "" {
		return Result{}, ErrValidation
	}

	childIDs := dedupeChildIDs(in.ChildIDs)
	if len(childIDs) == 0 {
		return Result{}, ErrValidation
	}
	if len(childIDs) > s.cfg.MaxChildrenPerPurchase {
		return Result{}, ErrValidation
	}

	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrListingNotFound) {
			return Result{}, ErrListingUnavailable
		}
		return Result{}, fmt.Errorf("load listing: %w", err)
	}
	if !enums.ListingStatus(listing.Status).Purchasable() {
		return Result{}, ErrListingUnavailable
	}

	records, err := s.children.FindByIDs(ctx, childIDs)
	if err != nil {
		return Result{}, fmt.Errorf("load children: %w", err)
	}
	byID := make(map[string]pgrepo.ChildRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	children := make([]model.Child, 0, len(childIDs))
	for _, childID := range childIDs {
		rec, ok := byID[childID]
		if !ok || rec.FamilyID != familyID || !rec.Active {
			return Result{}, ErrChildNotInFamily
		}
		children = append(children, model.Child{
			ID:        rec.ID,
			FamilyID:  rec.FamilyID,
			Name:      rec.Name,
			BirthDate: rec.BirthDate,
			Active:    rec.Active,
		})
	}

	owned, err := s.ownership.OwnedChildIDs(ctx, listingID, childIDs)
	if err != nil {
		return Result{}, fmt.Errorf("check ownership: %w", err)
	}
	if len(owned) > 0 {
		sort.Strings(owned)
		return Result{}, &AlreadyOwnedError{ChildIDs: owned, All: len(owned) == len(childIDs)}
	}

	return Result{Listing: listing, Children: children}, nil
}

func dedupeChildIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
