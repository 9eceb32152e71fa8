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

var ErrLibraryEntryNotFound = errors.New("library entry not found")

type LibraryRepo struct {
	pool *pgxpool.Pool
}

type LibraryEntryRecord struct {
	ChildID           string
	ListingID         string
	TransactionID     string
	GrantedBy         string
	GrantedAt         time.Time
	Favorite          bool
	PlaySeconds       int64
	CompletionPercent int
	LastAccessedAt    *time.Time
}

type LibraryStatsRecord struct {
	ChildID          string
	ItemCount        int64
	FavoriteCount    int64
	TotalPlaySeconds int64
	AvgCompletionPct float64
}

func NewLibraryRepo(pool *pgxpool.Pool) *LibraryRepo {
	return &LibraryRepo{pool: pool}
}

// Grant inserts the (child, listing) entry, or does nothing if it already
// exists. The primary key on the pair is the enforcement mechanism; callers
// retrying a grant can never produce a duplicate. Returns true when this
// call created the entry.
func (r *LibraryRepo) Grant(ctx context.Context, childID, listingID, transactionID, grantedBy string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	listingID = strings.TrimSpace(listingID)
	transactionID = strings.TrimSpace(transactionID)
	grantedBy = strings.TrimSpace(grantedBy)
	if childID == "" || listingID == "" || transactionID == "" || grantedBy == "" {
		return false, fmt.Errorf("invalid grant payload")
	}

	tag, err := r.pool.Exec(ctx, `
INSERT INTO child_library_entries (
	child_id,
	listing_id,
	transaction_id,
	granted_by,
	granted_at
) VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (child_id, listing_id) DO NOTHING
`, childID, listingID, transactionID, grantedBy)
	if err != nil {
		return false, fmt.Errorf("grant library entry: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// OwnedChildIDs filters the given children down to those that already hold a
// library entry for the listing.
func (r *LibraryRepo) OwnedChildIDs(ctx context.Context, listingID string, childIDs []string) ([]string, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	listingID = strings.TrimSpace(listingID)
	if listingID == "" || len(childIDs) == 0 {
		return nil, fmt.Errorf("invalid ownership lookup payload")
	}

	rows, err := r.pool.Query(ctx, `
SELECT child_id
FROM child_library_entries
WHERE listing_id = $1
  AND child_id = ANY($2)
`, listingID, childIDs)
	if err != nil {
		return nil, fmt.Errorf("list owned children: %w", err)
	}
	defer rows.Close()

	var owned []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("scan owned child: %w", err)
		}
		owned = append(owned, childID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned children: %w", err)
	}

	return owned, nil
}

func (r *LibraryRepo) FindEntry(ctx context.Context, childID, listingID string) (LibraryEntryRecord, error) {
	if r.pool == nil {
		return LibraryEntryRecord{}, fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	listingID = strings.TrimSpace(listingID)
	if childID == "" || listingID == "" {
		return LibraryEntryRecord{}, fmt.Errorf("invalid library entry lookup")
	}

	record, err := scanLibraryEntry(r.pool.QueryRow(ctx, `
SELECT child_id, listing_id, transaction_id, granted_by, granted_at, favorite, play_seconds, completion_percent, last_accessed_at
FROM child_library_entries
WHERE child_id = $1
  AND listing_id = $2
LIMIT 1
`, childID, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LibraryEntryRecord{}, ErrLibraryEntryNotFound
		}
		return LibraryEntryRecord{}, fmt.Errorf("find library entry: %w", err)
	}

	return record, nil
}

// LibraryItemRecord pairs a library entry with the listing it unlocks,
// as shown on the child's shelf.
type LibraryItemRecord struct {
	Entry   LibraryEntryRecord
	Listing ListingRecord
}

func (r *LibraryRepo) ListByChildWithListings(ctx context.Context, childID string) ([]LibraryItemRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	if childID == "" {
		return nil, fmt.Errorf("invalid child id")
	}

	rows, err := r.pool.Query(ctx, `
SELECT
	e.child_id, e.listing_id, e.transaction_id, e.granted_by, e.granted_at,
	e.favorite, e.play_seconds, e.completion_percent, e.last_accessed_at,
	l.id, l.seller_id, l.content_key, l.title, l.description,
	l.price_cents, l.currency, l.status, l.purchase_count, l.created_at, l.updated_at
FROM child_library_entries e
JOIN marketplace_listings l ON l.id = e.listing_id
WHERE e.child_id = $1
ORDER BY e.granted_at DESC
`, childID)
	if err != nil {
		return nil, fmt.Errorf("list library items: %w", err)
	}
	defer rows.Close()

	var items []LibraryItemRecord
	for rows.Next() {
		var item LibraryItemRecord
		if err := rows.Scan(
			&item.Entry.ChildID,
			&item.Entry.ListingID,
			&item.Entry.TransactionID,
			&item.Entry.GrantedBy,
			&item.Entry.GrantedAt,
			&item.Entry.Favorite,
			&item.Entry.PlaySeconds,
			&item.Entry.CompletionPercent,
			&item.Entry.LastAccessedAt,
			&item.Listing.ID,
			&item.Listing.SellerID,
			&item.Listing.ContentKey,
			&item.Listing.Title,
			&item.Listing.Description,
			&item.Listing.PriceCents,
			&item.Listing.Currency,
			&item.Listing.Status,
			&item.Listing.PurchaseCount,
			&item.Listing.CreatedAt,
			&item.Listing.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan library item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library items: %w", err)
	}

	return items, nil
}

func (r *LibraryRepo) Stats(ctx context.Context, childID string) (LibraryStatsRecord, error) {
	if r.pool == nil {
		return LibraryStatsRecord{}, fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	if childID == "" {
		return LibraryStatsRecord{}, fmt.Errorf("invalid child id")
	}

	stats := LibraryStatsRecord{ChildID: childID}
	err := r.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE favorite),
	COALESCE(SUM(play_seconds), 0),
	COALESCE(AVG(completion_percent), 0)
FROM child_library_entries
WHERE child_id = $1
`, childID).Scan(
		&stats.ItemCount,
		&stats.FavoriteCount,
		&stats.TotalPlaySeconds,
		&stats.AvgCompletionPct,
	)
	if err != nil {
		return LibraryStatsRecord{}, fmt.Errorf("read library stats: %w", err)
	}

	return stats, nil
}

// UpdateUsage applies usage metadata reported by the child's device.
// Nil fields keep their stored value, play time accumulates, and
// completion never regresses.
func (r *LibraryRepo) UpdateUsage(ctx context.Context, childID, listingID string, favorite *bool, addPlaySeconds int64, completionPercent *int) (LibraryEntryRecord, error) {
	if r.pool == nil {
		return LibraryEntryRecord{}, fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	listingID = strings.TrimSpace(listingID)
	if childID == "" || listingID == "" {
		return LibraryEntryRecord{}, fmt.Errorf("invalid usage update payload")
	}
	if addPlaySeconds < 0 {
		addPlaySeconds = 0
	}

	record, err := scanLibraryEntry(r.pool.QueryRow(ctx, `
UPDATE child_library_entries
SET favorite = COALESCE($3, favorite),
	play_seconds = play_seconds + $4,
	completion_percent = GREATEST(completion_percent, COALESCE($5, completion_percent)),
	last_accessed_at = NOW()
WHERE child_id = $1
  AND listing_id = $2
RETURNING child_id, listing_id, transaction_id, granted_by, granted_at, favorite, play_seconds, completion_percent, last_accessed_at
`, childID, listingID, favorite, addPlaySeconds, completionPercent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LibraryEntryRecord{}, ErrLibraryEntryNotFound
		}
		return LibraryEntryRecord{}, fmt.Errorf("update library usage: %w", err)
	}

	return record, nil
}

// TouchAccess stamps last_accessed_at when a signed content URL is issued.
func (r *LibraryRepo) TouchAccess(ctx context.Context, childID, listingID string) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	childID = strings.TrimSpace(childID)
	listingID = strings.TrimSpace(listingID)
	if childID == "" || listingID == "" {
		return fmt.Errorf("invalid access touch payload")
	}

	if _, err := r.pool.Exec(ctx, `
UPDATE child_library_entries
SET last_accessed_at = NOW()
WHERE child_id = $1
  AND listing_id = $2
`, childID, listingID); err != nil {
		return fmt.Errorf("touch library access: %w", err)
	}

	return nil
}

func scanLibraryEntry(row pgx.Row) (LibraryEntryRecord, error) {
	var record LibraryEntryRecord
	if err := row.Scan(
		&record.ChildID,
		&record.ListingID,
		&record.TransactionID,
		&record.GrantedBy,
		&record.GrantedAt,
		&record.Favorite,
		&record.PlaySeconds,
		&record.CompletionPercent,
		&record.LastAccessedAt,
	); err != nil {
		return LibraryEntryRecord{}, err
	}
	return record, nil
}
