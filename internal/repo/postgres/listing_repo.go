package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrListingNotFound = errors.New("listing not found")

type ListingRepo struct {
	pool *pgxpool.Pool
}

type ListingRecord struct {
	ID            string
	SellerID      string
	ContentKey    string
	Title         string
	Description   string
	PriceCents    int64
	Currency      string
	Status        string
	PurchaseCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

func (r *ListingRepo) FindByID(ctx context.Context, listingID string) (ListingRecord, error) {
	if r.pool == nil {
		return ListingRecord{}, fmt.Errorf("postgres pool is nil")
	}
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return ListingRecord{}, fmt.Errorf("invalid listing id")
	}

	record, err := scanListing(r.pool.QueryRow(ctx, `
SELECT id, seller_id, content_key, title, description, price_cents, currency, status, purchase_count, created_at, updated_at
FROM marketplace_listings
WHERE id = $1
LIMIT 1
`, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ListingRecord{}, ErrListingNotFound
		}
		return ListingRecord{}, fmt.Errorf("find listing by id: %w", err)
	}

	return record, nil
}

func (r *ListingRepo) ListApproved(ctx context.Context, limit, offset int) ([]ListingRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, seller_id, content_key, title, description, price_cents, currency, status, purchase_count, created_at, updated_at
FROM marketplace_listings
WHERE status = 'approved'
ORDER BY purchase_count DESC, created_at DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list approved listings: %w", err)
	}
	defer rows.Close()

	var records []ListingRecord
	for rows.Next() {
		record, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approved listing: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approved listings: %w", err)
	}

	return records, nil
}

func scanListing(row pgx.Row) (ListingRecord, error) {
	var record ListingRecord
	if err := row.Scan(
		&record.ID,
		&record.SellerID,
		&record.ContentKey,
		&record.Title,
		&record.Description,
		&record.PriceCents,
		&record.Currency,
		&record.Status,
		&record.PurchaseCount,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return ListingRecord{}, err
	}
	return record, nil
}
