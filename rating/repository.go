package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/trade"
)

var (
	ErrNotFound      = errors.New("rating: not found")
	ErrInvalidState  = errors.New("rating: trade not in a ratable state")
	ErrNotAuthorized = errors.New("rating: user is not a party to the trade")
	ErrValidation    = errors.New("rating: invalid input")
	ErrConflict      = errors.New("rating: already rated this trade")
)

const ratingColumns = `id, trade_id, rater_id, ratee_id, overall, item_accuracy,
	communication, shipping_speed, COALESCE(public_comment, ''),
	COALESCE(private_feedback, ''), revealed, created_at`

func scanRating(row pgx.Row) (Rating, error) {
	var r Rating
	err := row.Scan(&r.ID, &r.TradeID, &r.RaterID, &r.RateeID,
		&r.Scores.Overall, &r.Scores.ItemAccuracy, &r.Scores.Communication,
		&r.Scores.ShippingSpeed, &r.PublicComment, &r.PrivateFeedback,
		&r.Revealed, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rating{}, ErrNotFound
	}
	if err != nil {
		return Rating{}, fmt.Errorf("rating: scan: %w", err)
	}
	return r, nil
}

// Repository persists ratings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a hidden rating. The unique constraint on (trade_id, rater_id)
// turns a double submission into ErrConflict.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params Rating) (Rating, error) {
	const q = `
		INSERT INTO trade_ratings
			(trade_id, rater_id, ratee_id, overall, item_accuracy,
			 communication, shipping_speed, public_comment, private_feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		RETURNING ` + ratingColumns
	row := tx.QueryRow(ctx, q, params.TradeID, params.RaterID, params.RateeID,
		params.Scores.Overall, params.Scores.ItemAccuracy, params.Scores.Communication,
		params.Scores.ShippingSpeed, params.PublicComment, params.PrivateFeedback)
	out, err := scanRating(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Rating{}, ErrConflict
		}
		return Rating{}, err
	}
	return out, nil
}

// SetRatedFlag marks one side of the trade as having rated.
func (r *Repository) SetRatedFlag(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side) error {
	column := "proposer_rated"
	if side == trade.SideReceiver {
		column = "receiver_rated"
	}
	q := fmt.Sprintf(`UPDATE trades SET %s = true, updated_at = get_tx_timestamp() WHERE id = $1`, column)
	tag, err := tx.Exec(ctx, q, tradeID)
	if err != nil {
		return fmt.Errorf("rating: set rated flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reveal makes every rating on the trade visible and returns how many it
// uncovered. Safe to repeat.
func (r *Repository) Reveal(ctx context.Context, tx pgx.Tx, tradeID string) (int64, error) {
	const q = `UPDATE trade_ratings SET revealed = true WHERE trade_id = $1 AND NOT revealed`
	tag, err := tx.Exec(ctx, q, tradeID)
	if err != nil {
		return 0, fmt.Errorf("rating: reveal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRevealed returns the visible ratings for a trade. Hidden ratings stay
// out of every read path until reveal.
func (r *Repository) ListRevealed(ctx context.Context, tradeID string) ([]Rating, error) {
	const q = `SELECT ` + ratingColumns + ` FROM trade_ratings
		WHERE trade_id = $1 AND revealed ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, tradeID)
	if err != nil {
		return nil, fmt.Errorf("rating: list revealed: %w", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		rt, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// DueTradeIDs returns trades whose rating window has lapsed without both
// parties rating. Rows already locked by another sweep are skipped.
func (r *Repository) DueTradeIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id FROM trades
		WHERE rating_deadline IS NOT NULL
		  AND rating_deadline < $1
		  AND status IN ('completed_awaiting_rating', 'dispute_resolved')
		ORDER BY rating_deadline
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("rating: due trades: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rating: scan due trade: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SummaryForUser aggregates the revealed ratings a user has received.
func (r *Repository) SummaryForUser(ctx context.Context, userID string) (Summary, error) {
	const q = `
		SELECT COUNT(*), COALESCE(AVG(overall), 0)
		FROM trade_ratings
		WHERE ratee_id = $1 AND revealed`
	var s Summary
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&s.Count, &s.AverageOverall); err != nil {
		return Summary{}, fmt.Errorf("rating: summarize user: %w", err)
	}
	return s, nil
}
