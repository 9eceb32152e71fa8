package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/domain/model"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrListingNotFound = errors.New("listing not found")
)

type Store interface {
	FindByID(ctx context.Context, listingID string) (pgrepo.ListingRecord, error)
	ListApproved(ctx context.Context, limit, offset int) ([]pgrepo.ListingRecord, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Browse returns the storefront page: approved listings only, most
// purchased first.
func (s *Service) Browse(ctx context.Context, limit, offset int) ([]model.Listing, error) {
	if s.store == nil {
		return nil, fmt.Errorf("listing store is nil")
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.store.ListApproved(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	listings := make([]model.Listing, 0, len(records))
	for _, record := range records {
		listings = append(listings, mapListing(record))
	}
	return listings, nil
}

// Get returns one listing as buyers see it. Listings that are not
// purchasable are reported as missing.
func (s *Service) Get(ctx context.Context, listingID string) (model.Listing, error) {
	if s.store == nil {
		return model.Listing{}, fmt.Errorf("listing store is nil")
	}

	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return model.Listing{}, ErrValidation
	}

	record, err := s.store.FindByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrListingNotFound) {
			return model.Listing{}, ErrListingNotFound
		}
		return model.Listing{}, err
	}
	if !enums.ListingStatus(record.Status).Purchasable() {
		return model.Listing{}, ErrListingNotFound
	}

	return mapListing(record), nil
}

func mapListing(record pgrepo.ListingRecord) model.Listing {
	return model.Listing{
		ID:            record.ID,
		SellerID:      record.SellerID,
		ContentKey:    record.ContentKey,
		Title:         record.Title,
		Description:   record.Description,
		Price:         model.Money{Amount: record.PriceCents, Currency: record.Currency},
		Status:        enums.ListingStatus(record.Status),
		PurchaseCount: record.PurchaseCount,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}
