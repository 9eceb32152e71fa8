package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChildrenRepo is a read-only view over the family service's child profiles.
// Fulfillment never writes here.
type ChildrenRepo struct {
	pool *pgxpool.Pool
}

type ChildRecord struct {
	ID        string
	FamilyID  string
	Name      string
	BirthDate time.Time
	Active    bool
}

func NewChildrenRepo(pool *pgxpool.Pool) *ChildrenRepo {
	return &ChildrenRepo{pool: pool}
}

// FindByIDs returns the child rows for the given ids, whatever family they
// belong to. Callers decide what a missing or foreign row means.
func (r *ChildrenRepo) FindByIDs(ctx context.Context, childIDs []string) ([]ChildRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	ids := make([]string, 0, len(childIDs))
	for _, id := range childIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("invalid child ids payload")
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, family_id, name, birth_date, active
FROM children
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, fmt.Errorf("find children by ids: %w", err)
	}
	defer rows.Close()

	var records []ChildRecord
	for rows.Next() {
		record, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}

	return records, nil
}

func scanChild(row pgx.Row) (ChildRecord, error) {
	var record ChildRecord
	if err := row.Scan(
		&record.ID,
		&record.FamilyID,
		&record.Name,
		&record.BirthDate,
		&record.Active,
	); err != nil {
		return ChildRecord{}, err
	}
	return record, nil
}
