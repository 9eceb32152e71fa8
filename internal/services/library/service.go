// Package library serves a child's shelf: what they own, how they use
// it, and time-limited URLs to actually open it. Ownership is decided
// by one thing only, the presence of a library entry. A listing pulled
// from the storefront later stays readable to children who own it.
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wondernest/marketplace/internal/domain/enums"
	"github.com/wondernest/marketplace/internal/domain/model"
	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrChildNotInFamily = errors.New("child does not belong to this family")
	ErrEntryNotFound    = errors.New("library entry not found")
)

type EntryStore interface {
	FindEntry(ctx context.Context, childID, listingID string) (pgrepo.LibraryEntryRecord, error)
	ListByChildWithListings(ctx context.Context, childID string) ([]pgrepo.LibraryItemRecord, error)
	Stats(ctx context.Context, childID string) (pgrepo.LibraryStatsRecord, error)
	TouchAccess(ctx context.Context, childID, listingID string) error
	UpdateUsage(ctx context.Context, childID, listingID string, favorite *bool, addPlaySeconds int64, completionPercent *int) (pgrepo.LibraryEntryRecord, error)
}

type ChildStore interface {
	FindByIDs(ctx context.Context, childIDs []string) ([]pgrepo.ChildRecord, error)
}

type ListingStore interface {
	FindByID(ctx context.Context, listingID string) (pgrepo.ListingRecord, error)
}

type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Service struct {
	entries  EntryStore
	children ChildStore
	listings ListingStore
	signer   URLSigner
	urlTTL   time.Duration
}

func NewService(entries EntryStore, children ChildStore, listings ListingStore, signer URLSigner, urlTTL time.Duration) *Service {
	if urlTTL <= 0 {
		urlTTL = defaultSignedURLTTL
	}

	return &Service{
		entries:  entries,
		children: children,
		listings: listings,
		signer:   signer,
		urlTTL:   urlTTL,
	}
}

// Item is one shelf row: the grant plus the listing it unlocks.
type Item struct {
	Entry   model.LibraryEntry
	Listing model.Listing
}

type Stats struct {
	ChildID              string
	Items                int64
	Favorites            int64
	TotalPlaySeconds     int64
	AvgCompletionPercent float64
}

// UsageInput is a partial update from the child's device. Nil fields
// are left alone.
type UsageInput struct {
	Favorite          *bool
	AddPlaySeconds    int64
	CompletionPercent *int
}

// SignedURL carries the expiry alongside the URL so callers can tell
// the client how long the link stays valid.
type SignedURL struct {
	URL       string
	ExpiresIn time.Duration
}

func (s *Service) ListForChild(ctx context.Context, familyID, childID string) ([]Item, error) {
	if err := s.verifyChild(ctx, familyID, &childID); err != nil {
		return nil, err
	}

	records, err := s.entries.ListByChildWithListings(ctx, childID)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(records))
	for _, record := range records {
		items = append(items, Item{
			Entry:   mapEntry(record.Entry),
			Listing: mapListing(record.Listing),
		})
	}
	return items, nil
}

func (s *Service) ChildStats(ctx context.Context, familyID, childID string) (Stats, error) {
	if err := s.verifyChild(ctx, familyID, &childID); err != nil {
		return Stats{}, err
	}

	record, err := s.entries.Stats(ctx, childID)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		ChildID:              record.ChildID,
		Items:                record.ItemCount,
		Favorites:            record.FavoriteCount,
		TotalPlaySeconds:     record.TotalPlaySeconds,
		AvgCompletionPercent: record.AvgCompletionPct,
	}, nil
}

// AccessURL issues a signed download URL for content the child owns.
// The library entry is the access check; no entry, no URL.
func (s *Service) AccessURL(ctx context.Context, familyID, childID, listingID string) (SignedURL, error) {
	if s.signer == nil || s.listings == nil {
		return SignedURL{}, fmt.Errorf("library content dependencies are not configured")
	}
	if err := s.verifyChild(ctx, familyID, &childID); err != nil {
		return SignedURL{}, err
	}

	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return SignedURL{}, ErrValidation
	}

	if _, err := s.entries.FindEntry(ctx, childID, listingID); err != nil {
		if errors.Is(err, pgrepo.ErrLibraryEntryNotFound) {
			return SignedURL{}, ErrEntryNotFound
		}
		return SignedURL{}, err
	}

	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		return SignedURL{}, fmt.Errorf("load granted listing %s: %w", listingID, err)
	}
	if listing.ContentKey == "" {
		return SignedURL{}, fmt.Errorf("listing %s has no content key", listingID)
	}

	signed, err := s.signer.PresignGet(ctx, listing.ContentKey, s.urlTTL)
	if err != nil {
		return SignedURL{}, err
	}

	// Usage metadata is best effort.
	_ = s.entries.TouchAccess(ctx, childID, listingID)

	return SignedURL{URL: signed, ExpiresIn: s.urlTTL}, nil
}

func (s *Service) RecordUsage(ctx context.Context, familyID, childID, listingID string, in UsageInput) (model.LibraryEntry, error) {
	if err := s.verifyChild(ctx, familyID, &childID); err != nil {
		return model.LibraryEntry{}, err
	}

	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return model.LibraryEntry{}, ErrValidation
	}
	if in.AddPlaySeconds < 0 {
		return model.LibraryEntry{}, ErrValidation
	}
	if in.CompletionPercent != nil && (*in.CompletionPercent < 0 || *in.CompletionPercent > 100) {
		return model.LibraryEntry{}, ErrValidation
	}
	if in.Favorite == nil && in.CompletionPercent == nil && in.AddPlaySeconds == 0 {
		return model.LibraryEntry{}, ErrValidation
	}

	record, err := s.entries.UpdateUsage(ctx, childID, listingID, in.Favorite, in.AddPlaySeconds, in.CompletionPercent)
	if err != nil {
		if errors.Is(err, pgrepo.ErrLibraryEntryNotFound) {
			return model.LibraryEntry{}, ErrEntryNotFound
		}
		return model.LibraryEntry{}, err
	}

	return mapEntry(record), nil
}

func (s *Service) verifyChild(ctx context.Context, familyID string, childID *string) error {
	if s.entries == nil || s.children == nil {
		return fmt.Errorf("library stores are not configured")
	}

	familyID = strings.TrimSpace(familyID)
	*childID = strings.TrimSpace(*childID)
	if familyID == "" || *childID == "" {
		return ErrValidation
	}

	records, err := s.children.FindByIDs(ctx, []string{*childID})
	if err != nil {
		return fmt.Errorf("load child: %w", err)
	}
	if len(records) == 0 || records[0].FamilyID != familyID || !records[0].Active {
		return ErrChildNotInFamily
	}
	return nil
}

func mapEntry(record pgrepo.LibraryEntryRecord) model.LibraryEntry {
	return model.LibraryEntry{
		ChildID:           record.ChildID,
		ListingID:         record.ListingID,
		TransactionID:     record.TransactionID,
		GrantedBy:         record.GrantedBy,
		GrantedAt:         record.GrantedAt,
		Favorite:          record.Favorite,
		PlaySeconds:       record.PlaySeconds,
		CompletionPercent: record.CompletionPercent,
		LastAccessedAt:    record.LastAccessedAt,
	}
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
