package valuation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the item does not exist.
var ErrNotFound = errors.New("valuation: item not found")

// Snapshot is the read-only estimated-value lookup used for differential and
// reputation math.
type Snapshot interface {
	GetEstimatedValue(ctx context.Context, itemID string) (int64, error)
	SumValues(ctx context.Context, itemIDs []string) (int64, error)
}

// Repository reads current estimated item values from the items table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetEstimatedValue returns the item's current estimated market value in
// minor currency units.
func (r *Repository) GetEstimatedValue(ctx context.Context, itemID string) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx, `SELECT estimated_value FROM items WHERE id = $1`, itemID).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("valuation: get value: %w", err)
	}
	return value, nil
}

// SumValues totals the estimated values for a set of items. Every id must
// resolve; a missing item fails the whole lookup.
func (r *Repository) SumValues(ctx context.Context, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	var total int64
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(estimated_value), 0), COUNT(*)
		FROM items
		WHERE id = ANY($1)
	`, itemIDs).Scan(&total, &count)
	if err != nil {
		return 0, fmt.Errorf("valuation: sum values: %w", err)
	}
	if count != len(itemIDs) {
		return 0, ErrNotFound
	}
	return total, nil
}
