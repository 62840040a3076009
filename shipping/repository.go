package shipping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/trade"
)

// Repository writes the logistics columns of the trades table. All mutations
// run under the trade row lock held by the calling service.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SetTracking records one party's tracking submission.
func (r *Repository) SetTracking(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side, trackingNumber string) error {
	column := "proposer"
	if side == trade.SideReceiver {
		column = "receiver"
	}
	query := fmt.Sprintf(`
		UPDATE trades
		SET %s_submitted_tracking = true,
		    %s_tracking_number = $1,
		    updated_at = get_tx_timestamp()
		WHERE id = $2
	`, column, column)
	tag, err := tx.Exec(ctx, query, trackingNumber, tradeID)
	if err != nil {
		return fmt.Errorf("shipping: set tracking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVerified flips one party's satisfaction flag.
func (r *Repository) SetVerified(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side) error {
	column := "proposer_verified"
	if side == trade.SideReceiver {
		column = "receiver_verified"
	}
	query := fmt.Sprintf(`
		UPDATE trades
		SET %s = true, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, column)
	tag, err := tx.Exec(ctx, query, tradeID)
	if err != nil {
		return fmt.Errorf("shipping: set verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindIDByTracking resolves a tracking number reported by the carrier feed to
// the in-flight trade carrying it.
func (r *Repository) FindIDByTracking(ctx context.Context, trackingNumber string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM trades
		WHERE (proposer_tracking_number = $1 OR receiver_tracking_number = $1)
		  AND status = 'in_transit'
	`, trackingNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("shipping: find by tracking: %w", err)
	}
	return id, nil
}

// DeliveredTrackingCount counts how many distinct shipments of the trade the
// feed has reported delivered.
func (r *Repository) DeliveredTrackingCount(ctx context.Context, tx pgx.Tx, tradeID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(DISTINCT payload->>'tracking_number')
		FROM trade_events
		WHERE trade_id = $1 AND type = $2
	`, tradeID, trade.EventShipmentArrived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("shipping: delivered count: %w", err)
	}
	return n, nil
}
