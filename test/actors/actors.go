package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func appendEvent(ctx context.Context, tx pgx.Tx, tradeID, eventType string) error {
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM trade_events WHERE trade_id=$1`, tradeID).Scan(&seq); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `INSERT INTO trade_events (trade_id, seq, type, payload) VALUES ($1,$2,$3,'{}'::jsonb)`, tradeID, seq, eventType)
	return err
}

// Proposer opens trades between the two seeded traders, claiming one item
// from each side. Claims race against other proposers over the same item
// pool; a missed claim rolls the whole proposal back.
func Proposer(ctx context.Context, pool *pgxpool.Pool, proposerID, receiverID string, proposerItems, receiverItems []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		offered := proposerItems[rand.Intn(len(proposerItems))]
		requested := receiverItems[rand.Intn(len(receiverItems))]
		cash := int64(rand.Intn(500))

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID string
		err = tx.QueryRow(ctx, `INSERT INTO trades (proposer_id, receiver_id, proposer_cash)
                                 VALUES ($1,$2,$3) RETURNING id`, proposerID, receiverID, cash).Scan(&tradeID)
		if err == nil {
			claimed := true
			for _, pair := range []struct{ item, side string }{{offered, "proposer"}, {requested, "receiver"}} {
				tag, cerr := tx.Exec(ctx, `UPDATE items SET locked_by_trade_id=$1
                                            WHERE id=$2 AND locked_by_trade_id IS NULL`, tradeID, pair.item)
				if cerr != nil || tag.RowsAffected() == 0 {
					claimed = false
					break
				}
				if _, cerr := tx.Exec(ctx, `INSERT INTO trade_items (trade_id, item_id, side) VALUES ($1,$2,$3)`, tradeID, pair.item, pair.side); cerr != nil {
					claimed = false
					break
				}
			}
			if claimed {
				if err := appendEvent(ctx, tx, tradeID, "TRADE_PROPOSED"); err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, recipient_id, trade_id) VALUES ('trade.proposed',$1,$2)`, receiverID, tradeID)
					_ = tx.Commit(ctx)
				}
			}
		} else if !isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("proposer insert: %w", err)
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Responder accepts pending proposals, routing them to payment or shipping
// depending on whether cash changes hands.
func Responder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID string
		var proposerCash, receiverCash int64
		err = tx.QueryRow(ctx, `SELECT id, proposer_cash, receiver_cash FROM trades
                                 WHERE status='pending_acceptance'
                                 LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&tradeID, &proposerCash, &receiverCash)
		if err == nil {
			next := "shipping_pending"
			if proposerCash != receiverCash {
				next = "payment_pending"
			}
			tag, uerr := tx.Exec(ctx, `UPDATE trades SET status=$1::trade_status, updated_at=get_tx_timestamp()
                                        WHERE id=$2 AND status='pending_acceptance'`, next, tradeID)
			if uerr == nil && tag.RowsAffected() == 1 {
				if err := appendEvent(ctx, tx, tradeID, "TRADE_ACCEPTED"); err == nil {
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Funder moves accepted trades into escrow: debit the payer, create the hold,
// write the balanced ledger pair.
func Funder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID, proposerID, receiverID string
		var proposerCash, receiverCash int64
		err = tx.QueryRow(ctx, `SELECT id, proposer_id, receiver_id, proposer_cash, receiver_cash FROM trades
                                 WHERE status='payment_pending'
                                 LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&tradeID, &proposerID, &receiverID, &proposerCash, &receiverCash)
		if err == nil {
			payer, payee, amount := proposerID, receiverID, proposerCash-receiverCash
			if amount < 0 {
				payer, payee, amount = receiverID, proposerID, -amount
			}
			tag, derr := tx.Exec(ctx, `UPDATE users SET cash_balance=cash_balance-$1 WHERE id=$2 AND cash_balance>=$1`, amount, payer)
			if derr == nil && tag.RowsAffected() == 1 {
				_, herr := tx.Exec(ctx, `INSERT INTO escrow_holds (trade_id, payer_id, payee_id, amount) VALUES ($1,$2,$3,$4)`, tradeID, payer, payee, amount)
				if herr == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO ledger_entries (trade_id, account, entry_type, amount) VALUES
                                          ($1, 'user:'||$2::text, 'debit', -$3),
                                          ($1, 'escrow:'||$1::text, 'hold', $3)`, tradeID, payer, amount)
					tag, uerr := tx.Exec(ctx, `UPDATE trades SET status='escrow_funded', updated_at=get_tx_timestamp()
                                                WHERE id=$1 AND status='payment_pending'`, tradeID)
					if uerr == nil && tag.RowsAffected() == 1 {
						if err := appendEvent(ctx, tx, tradeID, "ESCROW_FUNDED"); err == nil {
							_ = tx.Commit(ctx)
						}
					}
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Carrier walks funded trades through the shipping chain to delivered.
func Carrier(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	steps := []struct{ from, to, event string }{
		{"escrow_funded", "shipping_pending", "TRACKING_SUBMITTED"},
		{"shipping_pending", "in_transit", "SHIPMENT_IN_TRANSIT"},
		{"in_transit", "delivered_awaiting_verification", "SHIPMENT_DELIVERED"},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		step := steps[rand.Intn(len(steps))]
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID string
		err = tx.QueryRow(ctx, `SELECT id FROM trades WHERE status=$1::trade_status LIMIT 1 FOR UPDATE SKIP LOCKED`, step.from).Scan(&tradeID)
		if err == nil {
			tag, uerr := tx.Exec(ctx, `UPDATE trades SET status=$1::trade_status,
                                            proposer_submitted_tracking=true, receiver_submitted_tracking=true,
                                            updated_at=get_tx_timestamp()
                                        WHERE id=$2 AND status=$3::trade_status`, step.to, tradeID, step.from)
			if uerr == nil && tag.RowsAffected() == 1 {
				if err := appendEvent(ctx, tx, tradeID, step.event); err == nil {
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Verifier flips verification flags on delivered trades and settles once both
// are set: release the hold exactly once, cross item ownership, open the
// rating window. Multiple verifiers race over the same trade; the hold's
// status guard is what keeps settlement single-shot.
func Verifier(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID, proposerID, receiverID string
		var proposerVerified, receiverVerified bool
		err = tx.QueryRow(ctx, `SELECT id, proposer_id, receiver_id, proposer_verified, receiver_verified FROM trades
                                 WHERE status='delivered_awaiting_verification'
                                 LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&tradeID, &proposerID, &receiverID, &proposerVerified, &receiverVerified)
		if err == nil {
			switch {
			case !proposerVerified:
				_, _ = tx.Exec(ctx, `UPDATE trades SET proposer_verified=true, updated_at=get_tx_timestamp() WHERE id=$1`, tradeID)
				_ = tx.Commit(ctx)
			case !receiverVerified:
				if _, uerr := tx.Exec(ctx, `UPDATE trades SET receiver_verified=true, updated_at=get_tx_timestamp() WHERE id=$1`, tradeID); uerr == nil {
					if serr := settle(ctx, tx, tradeID, proposerID, receiverID); serr == nil {
						_ = tx.Commit(ctx)
					}
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func settle(ctx context.Context, tx pgx.Tx, tradeID, proposerID, receiverID string) error {
	var payeeID string
	var amount int64
	err := tx.QueryRow(ctx, `UPDATE escrow_holds SET status='released', settled_at=get_tx_timestamp()
                              WHERE trade_id=$1 AND status='held'
                              RETURNING payee_id, amount`, tradeID).Scan(&payeeID, &amount)
	if err == nil {
		if _, err := tx.Exec(ctx, `UPDATE users SET cash_balance=cash_balance+$1 WHERE id=$2`, amount, payeeID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (trade_id, account, entry_type, amount) VALUES
                                    ($1, 'escrow:'||$1::text, 'release', -$2),
                                    ($1, 'user:'||$3::text, 'credit', $2)`, tradeID, amount, payeeID); err != nil {
			return err
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	// Cross ownership: proposer-side items to the receiver and vice versa.
	if _, err := tx.Exec(ctx, `UPDATE items SET owner_id = CASE ti.side WHEN 'proposer' THEN $2::uuid ELSE $3::uuid END,
                                    locked_by_trade_id = NULL
                                FROM trade_items ti
                                WHERE ti.trade_id=$1 AND ti.item_id=items.id`, tradeID, receiverID, proposerID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE trades SET status='completed_awaiting_rating',
                                   rating_deadline=get_tx_timestamp()+interval '7 days',
                                   updated_at=get_tx_timestamp()
                               WHERE id=$1 AND status='delivered_awaiting_verification'`, tradeID)
	if err != nil || tag.RowsAffected() == 0 {
		return err
	}
	return appendEvent(ctx, tx, tradeID, "TRADE_SETTLED")
}

// Rater submits blind ratings on settled trades and reveals both when the
// second one lands, completing the trade.
func Rater(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID, proposerID, receiverID string
		err = tx.QueryRow(ctx, `SELECT id, proposer_id, receiver_id FROM trades
                                 WHERE status='completed_awaiting_rating'
                                 LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&tradeID, &proposerID, &receiverID)
		if err == nil {
			rater, ratee := proposerID, receiverID
			if rand.Intn(2) == 0 {
				rater, ratee = receiverID, proposerID
			}
			score := 1 + rand.Intn(5)
			_, ierr := tx.Exec(ctx, `INSERT INTO trade_ratings (trade_id, rater_id, ratee_id, overall, item_accuracy, communication, shipping_speed)
                                      VALUES ($1,$2,$3,$4,$4,$4,$4)
                                      ON CONFLICT (trade_id, rater_id) DO NOTHING`, tradeID, rater, ratee, score)
			if ierr == nil {
				var count int
				if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM trade_ratings WHERE trade_id=$1`, tradeID).Scan(&count); err == nil && count == 2 {
					_, _ = tx.Exec(ctx, `UPDATE trade_ratings SET revealed=true WHERE trade_id=$1 AND NOT revealed`, tradeID)
					tag, uerr := tx.Exec(ctx, `UPDATE trades SET status='completed', updated_at=get_tx_timestamp()
                                                WHERE id=$1 AND status='completed_awaiting_rating'`, tradeID)
					if uerr == nil && tag.RowsAffected() == 1 {
						_ = appendEvent(ctx, tx, tradeID, "RATINGS_REVEALED")
					}
				}
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer opens tickets against delivered trades and resolves them as a full
// refund: hold back to the payer, item locks released. A second concurrent
// ticket for the same trade must hit the partial unique index.
func Disputer(ctx context.Context, pool *pgxpool.Pool, moderatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var tradeID, initiatorID string
		err = tx.QueryRow(ctx, `SELECT id, receiver_id FROM trades
                                 WHERE status='delivered_awaiting_verification'
                                 LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&tradeID, &initiatorID)
		if err == nil {
			var ticketID string
			ierr := tx.QueryRow(ctx, `INSERT INTO disputes (trade_id, initiator_id, dispute_type, initiator_statement, deadline)
                                       VALUES ($1,$2,'item-not-received','package never arrived', get_tx_timestamp()+interval '48 hours')
                                       RETURNING id`, tradeID, initiatorID).Scan(&ticketID)
			if ierr == nil {
				tag, uerr := tx.Exec(ctx, `UPDATE trades SET status='dispute_opened', dispute_ticket_id=$1, updated_at=get_tx_timestamp()
                                            WHERE id=$2 AND status='delivered_awaiting_verification'`, ticketID, tradeID)
				if uerr == nil && tag.RowsAffected() == 1 {
					if err := refundAndResolve(ctx, tx, tradeID, ticketID, moderatorID); err == nil {
						_ = tx.Commit(ctx)
					}
				}
			} else if !isUniqueViolation(ierr) {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("disputer insert: %w", ierr)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

func refundAndResolve(ctx context.Context, tx pgx.Tx, tradeID, ticketID, moderatorID string) error {
	var payerID string
	var amount int64
	err := tx.QueryRow(ctx, `UPDATE escrow_holds SET status='refunded', settled_at=get_tx_timestamp()
                              WHERE trade_id=$1 AND status='held'
                              RETURNING payer_id, amount`, tradeID).Scan(&payerID, &amount)
	if err == nil {
		if _, err := tx.Exec(ctx, `UPDATE users SET cash_balance=cash_balance+$1 WHERE id=$2`, amount, payerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (trade_id, account, entry_type, amount) VALUES
                                    ($1, 'escrow:'||$1::text, 'release', -$2),
                                    ($1, 'user:'||$3::text, 'credit', $2)`, tradeID, amount, payerID); err != nil {
			return err
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE items SET locked_by_trade_id=NULL WHERE locked_by_trade_id=$1`, tradeID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE disputes SET status='resolved', resolution='full-refund',
                                    moderator_notes='refund issued after carrier confirmed loss', moderator_id=$1,
                                    resolved_at=get_tx_timestamp(), updated_at=get_tx_timestamp()
                                WHERE id=$2 AND status<>'resolved'`, moderatorID, ticketID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE trades SET status='dispute_resolved',
                                    rating_deadline=get_tx_timestamp()+interval '7 days',
                                    updated_at=get_tx_timestamp()
                                WHERE id=$1 AND status='dispute_opened'`, tradeID); err != nil {
		return err
	}
	return appendEvent(ctx, tx, tradeID, "DISPUTE_RESOLVED")
}

// OutboxWorker drains pending notifications with SKIP LOCKED, simulating the
// occasional delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1,
                                          status = CASE WHEN attempts+1 >= 5 THEN 'dead'::outbox_status ELSE status END
                                      WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
