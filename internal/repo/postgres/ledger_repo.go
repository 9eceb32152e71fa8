package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTransactionNotFound = errors.New("purchase transaction not found")

const transactionColumns = `
	id,
	buyer_id,
	family_id,
	listing_id,
	child_ids,
	amount_cents,
	currency,
	payment_method_ref,
	idempotency_key,
	external_ref,
	status,
	failure_reason,
	creator_share_cents,
	platform_share_cents,
	created_at,
	updated_at,
	completed_at,
	refunded_at`

// LedgerRepo is the durable record of purchase attempts. Rows are created
// pending and move through exactly one terminal transition; terminal
// transitions replayed against a terminal row are no-ops that hand back the
// existing state.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

type TransactionRecord struct {
	ID                 string
	BuyerID            string
	FamilyID           string
	ListingID          string
	ChildIDs           []string
	AmountCents        int64
	Currency           string
	PaymentMethodRef   string
	IdempotencyKey     string
	ExternalRef        *string
	Status             string
	FailureReason      *string
	CreatorShareCents  int64
	PlatformShareCents int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	RefundedAt         *time.Time
}

type CreatePendingInput struct {
	BuyerID          string
	FamilyID         string
	ListingID        string
	ChildIDs         []string
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreatePending inserts a pending transaction. Only one pending attempt may
// exist per (buyer, listing, children) at a time: a concurrent duplicate
// request lands on the same row and reuses its idempotency key, so the
// gateway is charged at most once no matter how the requests race.
// The bool result reports whether this call created the row.
func (r *LedgerRepo) CreatePending(ctx context.Context, in CreatePendingInput) (TransactionRecord, bool, error) {
	if r.pool == nil {
		return TransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}

	buyerID := strings.TrimSpace(in.BuyerID)
	familyID := strings.TrimSpace(in.FamilyID)
	listingID := strings.TrimSpace(in.ListingID)
	methodRef := strings.TrimSpace(in.PaymentMethodRef)
	if buyerID == "" || familyID == "" || listingID == "" || methodRef == "" {
		return TransactionRecord{}, false, fmt.Errorf("invalid pending transaction payload")
	}
	childIDs := normalizeChildIDs(in.ChildIDs)
	if len(childIDs) == 0 {
		return TransactionRecord{}, false, fmt.Errorf("invalid pending transaction payload")
	}
	if in.AmountCents < 0 {
		return TransactionRecord{}, false, fmt.Errorf("invalid pending transaction amount")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	txID := "txn_" + uuid.NewString()
	attemptKey := attemptKeyFor(buyerID, listingID, childIDs)

	record, err := scanTransaction(r.pool.QueryRow(ctx, `
INSERT INTO purchase_transactions (
	id,
	buyer_id,
	family_id,
	listing_id,
	child_ids,
	amount_cents,
	currency,
	payment_method_ref,
	idempotency_key,
	attempt_key,
	status,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', NOW(), NOW())
ON CONFLICT (attempt_key) WHERE status = 'pending' DO UPDATE
SET updated_at = purchase_transactions.updated_at
RETURNING`+transactionColumns+`
`, txID, buyerID, familyID, listingID, childIDs, in.AmountCents, currency, methodRef, txID, attemptKey))
	if err != nil {
		return TransactionRecord{}, false, fmt.Errorf("create pending transaction: %w", err)
	}

	created := record.ID == txID
	return record, created, nil
}

func (r *LedgerRepo) FindByID(ctx context.Context, transactionID string) (TransactionRecord, error) {
	if r.pool == nil {
		return TransactionRecord{}, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return TransactionRecord{}, fmt.Errorf("invalid transaction id")
	}

	record, err := scanTransaction(r.pool.QueryRow(ctx, `
SELECT`+transactionColumns+`
FROM purchase_transactions
WHERE id = $1
LIMIT 1
`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransactionRecord{}, ErrTransactionNotFound
		}
		return TransactionRecord{}, fmt.Errorf("find transaction by id: %w", err)
	}

	return record, nil
}

// MarkCompleted moves a pending transaction to completed, records the
// external payment reference and the revenue split, and bumps the listing's
// purchase count in the same database transaction. Replays against an
// already-terminal row change nothing and return the stored state.
func (r *LedgerRepo) MarkCompleted(ctx context.Context, transactionID, externalRef string) (TransactionRecord, bool, error) {
	if r.pool == nil {
		return TransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	externalRef = strings.TrimSpace(externalRef)
	if transactionID == "" || externalRef == "" {
		return TransactionRecord{}, false, fmt.Errorf("invalid complete transaction payload")
	}

	var (
		out     TransactionRecord
		changed bool
	)
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		record, err := scanTransaction(tx.QueryRow(txCtx, `
UPDATE purchase_transactions
SET
	status = 'completed',
	external_ref = $2,
	creator_share_cents = (amount_cents * 75) / 100,
	platform_share_cents = amount_cents - (amount_cents * 75) / 100,
	completed_at = NOW(),
	updated_at = NOW()
WHERE id = $1
  AND status = 'pending'
RETURNING`+transactionColumns+`
`, transactionID, externalRef))
		if err == nil {
			if _, err := tx.Exec(txCtx, `
UPDATE marketplace_listings
SET purchase_count = purchase_count + 1, updated_at = NOW()
WHERE id = $1
`, record.ListingID); err != nil {
				return fmt.Errorf("bump listing purchase count: %w", err)
			}
			out = record
			changed = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark transaction completed: %w", err)
		}

		existing, err := scanTransaction(tx.QueryRow(txCtx, `
SELECT`+transactionColumns+`
FROM purchase_transactions
WHERE id = $1
LIMIT 1
`, transactionID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("reread transaction after complete: %w", err)
		}
		out = existing
		changed = false
		return nil
	})
	if err != nil {
		return TransactionRecord{}, false, err
	}

	return out, changed, nil
}

// MarkFailed moves a pending transaction to failed. Same terminal no-op
// contract as MarkCompleted.
func (r *LedgerRepo) MarkFailed(ctx context.Context, transactionID, reason string) (TransactionRecord, bool, error) {
	if r.pool == nil {
		return TransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	reason = strings.TrimSpace(reason)
	if transactionID == "" {
		return TransactionRecord{}, false, fmt.Errorf("invalid fail transaction payload")
	}
	if reason == "" {
		reason = "unspecified"
	}

	row := r.pool.QueryRow(ctx, `
UPDATE purchase_transactions
SET
	status = 'failed',
	failure_reason = $2,
	updated_at = NOW()
WHERE id = $1
  AND status = 'pending'
RETURNING`+transactionColumns+`
`, transactionID, reason)

	record, err := scanTransaction(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TransactionRecord{}, false, fmt.Errorf("mark transaction failed: %w", err)
	}

	existing, err := r.FindByID(ctx, transactionID)
	if err != nil {
		return TransactionRecord{}, false, err
	}
	return existing, false, nil
}

// MarkRefunded writes the compensating transition for a completed
// transaction. History is never rewritten: amount, listing and targets stay
// as charged, only status and refunded_at move.
func (r *LedgerRepo) MarkRefunded(ctx context.Context, transactionID, reason string) (TransactionRecord, bool, error) {
	if r.pool == nil {
		return TransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	reason = strings.TrimSpace(reason)
	if transactionID == "" {
		return TransactionRecord{}, false, fmt.Errorf("invalid refund transaction payload")
	}
	if reason == "" {
		reason = "unspecified"
	}

	row := r.pool.QueryRow(ctx, `
UPDATE purchase_transactions
SET
	status = 'refunded',
	failure_reason = $2,
	refunded_at = NOW(),
	updated_at = NOW()
WHERE id = $1
  AND status = 'completed'
RETURNING`+transactionColumns+`
`, transactionID, reason)

	record, err := scanTransaction(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TransactionRecord{}, false, fmt.Errorf("mark transaction refunded: %w", err)
	}

	existing, err := r.FindByID(ctx, transactionID)
	if err != nil {
		return TransactionRecord{}, false, err
	}
	return existing, false, nil
}

// ListPendingOlderThan returns pending transactions created before the
// cutoff, oldest first. The reconciler feeds on this.
func (r *LedgerRepo) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]TransactionRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+transactionColumns+`
FROM purchase_transactions
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transaction: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending transactions: %w", err)
	}

	return records, nil
}

// ListCompletedWithMissingGrants returns completed transactions where
// at least one target child has no library entry yet. The repair job
// walks these to finish deliveries that in-request retries gave up on.
func (r *LedgerRepo) ListCompletedWithMissingGrants(ctx context.Context, since time.Time, limit int) ([]TransactionRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+transactionColumns+`
FROM purchase_transactions
WHERE status = 'completed'
  AND completed_at >= $1
  AND EXISTS (
        SELECT 1
        FROM unnest(child_ids) AS target(child_id)
        WHERE NOT EXISTS (
              SELECT 1
              FROM child_library_entries e
              WHERE e.child_id = target.child_id
                AND e.listing_id = purchase_transactions.listing_id
        )
  )
ORDER BY completed_at ASC
LIMIT $2
`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions with missing grants: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction with missing grants: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions with missing grants: %w", err)
	}

	return records, nil
}

func scanTransaction(row pgx.Row) (TransactionRecord, error) {
	var record TransactionRecord
	if err := row.Scan(
		&record.ID,
		&record.BuyerID,
		&record.FamilyID,
		&record.ListingID,
		&record.ChildIDs,
		&record.AmountCents,
		&record.Currency,
		&record.PaymentMethodRef,
		&record.IdempotencyKey,
		&record.ExternalRef,
		&record.Status,
		&record.FailureReason,
		&record.CreatorShareCents,
		&record.PlatformShareCents,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.CompletedAt,
		&record.RefundedAt,
	); err != nil {
		return TransactionRecord{}, err
	}
	return record, nil
}

func normalizeChildIDs(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
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
	sort.Strings(out)
	return out
}

func attemptKeyFor(buyerID, listingID string, sortedChildIDs []string) string {
	return buyerID + "|" + listingID + "|" + strings.Join(sortedChildIDs, ",")
}
