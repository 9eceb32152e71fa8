package catalog

import (
	"context"
	"errors"
	"testing"

	pgrepo "github.com/wondernest/marketplace/internal/repo/postgres"
)

type stubStore struct {
	rec  pgrepo.ListingRecord
	recs []pgrepo.ListingRecord
	err  error
}

func (s *stubStore) FindByID(_ context.Context, _ string) (pgrepo.ListingRecord, error) {
	if s.err != nil {
		return pgrepo.ListingRecord{}, s.err
	}
	return s.rec, nil
}

func (s *stubStore) ListApproved(_ context.Context, _, _ int) ([]pgrepo.ListingRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.recs, nil
}

func TestBrowseMapsListings(t *testing.T) {
	svc := NewService(&stubStore{recs: []pgrepo.ListingRecord{{
		ID:         "lst_1",
		Title:      "Counting Safari",
		PriceCents: 499,
		Currency:   "USD",
		Status:     "approved",
	}}})

	listings, err := svc.Browse(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}
	if listings[0].Price.Amount != 499 || listings[0].Price.Currency != "USD" {
		t.Fatalf("unexpected price %+v", listings[0].Price)
	}
}

func TestGetHidesUnapprovedListings(t *testing.T) {
	svc := NewService(&stubStore{rec: pgrepo.ListingRecord{ID: "lst_1", Status: "suspended"}})

	if _, err := svc.Get(context.Background(), "lst_1"); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestGetUnknownListing(t *testing.T) {
	svc := NewService(&stubStore{err: pgrepo.ErrListingNotFound})

	if _, err := svc.Get(context.Background(), "lst_missing"); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestGetValidatesID(t *testing.T) {
	svc := NewService(&stubStore{})

	if _, err := svc.Get(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
