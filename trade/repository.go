package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the trade, user, or item does not exist.
	ErrNotFound = errors.New("trade: not found")
	// ErrInvalidState signals the operation is not valid for the current status.
	ErrInvalidState = errors.New("trade: invalid state")
	// ErrNotAuthorized signals the caller is not a permitted party for this action.
	ErrNotAuthorized = errors.New("trade: not authorized")
	// ErrInsufficientFunds signals the proposer cannot cover the declared cash.
	ErrInsufficientFunds = errors.New("trade: insufficient funds")
	// ErrItemNotOwned signals an offered item is not owned by the offering party.
	ErrItemNotOwned = errors.New("trade: item not owned by offering party")
	// ErrItemUnavailable signals an offered item already sits in another open trade.
	ErrItemUnavailable = errors.New("trade: item locked by another open trade")
)

// Repository provides PostgreSQL access to the trades aggregate. Mutations
// take the caller's transaction; the trade row FOR UPDATE lock is the
// per-aggregate mutual-exclusion scope for every state transition.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const tradeColumns = `
	id, proposer_id, receiver_id, proposer_cash, receiver_cash, status::text,
	parent_trade_id, dispute_ticket_id,
	proposer_tracking_number, receiver_tracking_number,
	proposer_submitted_tracking, receiver_submitted_tracking,
	proposer_verified, receiver_verified,
	proposer_rated, receiver_rated, rating_deadline,
	created_at, updated_at`

func scanTrade(row pgx.Row) (Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.ProposerID, &t.ReceiverID, &t.ProposerCash, &t.ReceiverCash, &t.Status,
		&t.ParentTradeID, &t.DisputeTicketID,
		&t.ProposerTrackingNumber, &t.ReceiverTrackingNumber,
		&t.ProposerSubmittedTracking, &t.ReceiverSubmittedTracking,
		&t.ProposerVerified, &t.ReceiverVerified,
		&t.ProposerRated, &t.ReceiverRated, &t.RatingDeadline,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trade{}, ErrNotFound
		}
		return Trade{}, fmt.Errorf("trade: scan: %w", err)
	}
	return t, nil
}

// GetForUpdate loads the trade row under a FOR UPDATE lock and attaches its
// offer item sets. Callers hold the lock until their transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (Trade, error) {
	t, err := scanTrade(tx.QueryRow(ctx, `SELECT`+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, tradeID))
	if err != nil {
		return Trade{}, err
	}
	if err := r.loadItems(ctx, tx, &t); err != nil {
		return Trade{}, err
	}
	return t, nil
}

// Get loads a trade without locking, for read-only callers.
func (r *Repository) Get(ctx context.Context, tradeID string) (Trade, error) {
	t, err := scanTrade(r.pool.QueryRow(ctx, `SELECT`+tradeColumns+` FROM trades WHERE id = $1`, tradeID))
	if err != nil {
		return Trade{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT item_id, side::text FROM trade_items WHERE trade_id = $1 ORDER BY item_id`, tradeID)
	if err != nil {
		return Trade{}, fmt.Errorf("trade: load items: %w", err)
	}
	defer rows.Close()
	if err := appendItems(rows, &t); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (r *Repository) loadItems(ctx context.Context, tx pgx.Tx, t *Trade) error {
	rows, err := tx.Query(ctx, `SELECT item_id, side::text FROM trade_items WHERE trade_id = $1 ORDER BY item_id`, t.ID)
	if err != nil {
		return fmt.Errorf("trade: load items: %w", err)
	}
	defer rows.Close()
	return appendItems(rows, t)
}

func appendItems(rows pgx.Rows, t *Trade) error {
	for rows.Next() {
		var itemID string
		var side Side
		if err := rows.Scan(&itemID, &side); err != nil {
			return fmt.Errorf("trade: scan item: %w", err)
		}
		if side == SideProposer {
			t.ProposerItemIDs = append(t.ProposerItemIDs, itemID)
		} else {
			t.ReceiverItemIDs = append(t.ReceiverItemIDs, itemID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("trade: iterate items: %w", err)
	}
	return nil
}

// Insert creates the trade row in pending_acceptance.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params ProposeParams) (Trade, error) {
	return scanTrade(tx.QueryRow(ctx, `
		INSERT INTO trades (id, proposer_id, receiver_id, proposer_cash, receiver_cash, parent_trade_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING`+tradeColumns,
		params.ID, params.ProposerID, params.ReceiverID, params.ProposerCash, params.ReceiverCash, params.ParentTradeID))
}

// ClaimItems records one side's offer set and locks every item against
// appearing in another open trade. All items must exist, be owned by ownerID,
// and be unlocked, or the whole claim fails.
func (r *Repository) ClaimItems(ctx context.Context, tx pgx.Tx, tradeID, ownerID string, side Side, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE items
		SET locked_by_trade_id = $1, updated_at = get_tx_timestamp()
		WHERE id = ANY($2) AND owner_id = $3 AND locked_by_trade_id IS NULL
	`, tradeID, itemIDs, ownerID)
	if err != nil {
		return fmt.Errorf("trade: claim items: %w", err)
	}

	if int(tag.RowsAffected()) != len(itemIDs) {
		// Figure out which precondition failed for a precise error.
		var missing, foreign, locked int
		err := tx.QueryRow(ctx, `
			SELECT $2 - COUNT(*),
			       COUNT(*) FILTER (WHERE owner_id <> $3),
			       COUNT(*) FILTER (WHERE owner_id = $3 AND locked_by_trade_id IS NOT NULL AND locked_by_trade_id <> $4)
			FROM items WHERE id = ANY($1)
		`, itemIDs, len(itemIDs), ownerID, tradeID).Scan(&missing, &foreign, &locked)
		if err != nil {
			return fmt.Errorf("trade: diagnose claim: %w", err)
		}
		switch {
		case missing > 0:
			return ErrNotFound
		case foreign > 0:
			return ErrItemNotOwned
		case locked > 0:
			return ErrItemUnavailable
		}
		return fmt.Errorf("trade: claim items: unexpected row count")
	}

	for _, itemID := range itemIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO trade_items (trade_id, item_id, side) VALUES ($1, $2, $3)
		`, tradeID, itemID, side); err != nil {
			return fmt.Errorf("trade: record offer item: %w", err)
		}
	}
	return nil
}

// ReleaseItems frees every item lock held by the trade, used on reject,
// cancel, and counter.
func (r *Repository) ReleaseItems(ctx context.Context, tx pgx.Tx, tradeID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE items
		SET locked_by_trade_id = NULL, updated_at = get_tx_timestamp()
		WHERE locked_by_trade_id = $1
	`, tradeID); err != nil {
		return fmt.Errorf("trade: release items: %w", err)
	}
	return nil
}

// SetStatus performs a compare-and-transition: the row moves from exactly the
// expected status to the next one, or the call fails with ErrInvalidState.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidState
	}
	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET status = $1, updated_at = get_tx_timestamp()
		WHERE id = $2 AND status = $3
	`, to, tradeID, from)
	if err != nil {
		return fmt.Errorf("trade: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// OpenRatingWindow sets the rating deadline and clears both rated flags.
// Called at settlement and again after a dispute resolution so rating
// collection can restart.
func (r *Repository) OpenRatingWindow(ctx context.Context, tx pgx.Tx, tradeID string, deadline time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET rating_deadline = $1,
		    proposer_rated = false,
		    receiver_rated = false,
		    updated_at = get_tx_timestamp()
		WHERE id = $2
	`, deadline, tradeID)
	if err != nil {
		return fmt.Errorf("trade: open rating window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UserBalance reads a user's cash balance inside the transaction.
func (r *Repository) UserBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT cash_balance FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("trade: user balance: %w", err)
	}
	return balance, nil
}

// ListForUser returns the trades the user participates in, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+tradeColumns+`
		FROM trades
		WHERE proposer_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("trade: list: %w", err)
	}
	defer rows.Close()

	out := make([]Trade, 0, limit)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade: iterate: %w", err)
	}
	return out, nil
}
