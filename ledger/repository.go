package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound signals the referenced user, item, or hold does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInsufficientFunds signals the account balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrHoldSettled signals the escrow hold was already released or refunded.
	ErrHoldSettled = errors.New("ledger: hold already settled")
)

// Facade is the abstract money-and-ownership surface consumed by the trade,
// escrow, and dispute services. Every method operates inside the caller's
// transaction so balance movement commits atomically with the status
// transition it accompanies.
type Facade interface {
	Debit(ctx context.Context, tx pgx.Tx, userID string, tradeID string, amount int64) error
	Credit(ctx context.Context, tx pgx.Tx, userID string, tradeID string, amount int64) error
	HoldInEscrow(ctx context.Context, tx pgx.Tx, tradeID, fromUserID, toUserID string, amount int64) error
	ReleaseFromEscrow(ctx context.Context, tx pgx.Tx, tradeID, toUserID string) (int64, error)
	SplitEscrow(ctx context.Context, tx pgx.Tx, tradeID string, payerAmount int64) error
	TransferItemOwnership(ctx context.Context, tx pgx.Tx, itemID, toUserID string) error
	GetHold(ctx context.Context, tx pgx.Tx, tradeID string) (Hold, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Repository is the PostgreSQL implementation of Facade.
type Repository struct {
	pool queryer
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewRepository wires a pgxpool-backed ledger implementation. The pool is only
// used for read paths; mutations run on the transaction supplied per call.
func NewRepository(pool queryer) *Repository {
	return &Repository{pool: pool}
}

// Debit removes amount from the user's cash balance. Fails with
// ErrInsufficientFunds when the balance cannot cover it.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, userID string, tradeID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: debit amount must be positive")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET cash_balance = cash_balance - $1,
		    updated_at = get_tx_timestamp()
		WHERE id = $2 AND cash_balance >= $1
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("ledger: debit existence check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}

	return r.append(ctx, tx, tradeID, "user:"+userID, "debit", -amount)
}

// Credit adds amount to the user's cash balance.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID string, tradeID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET cash_balance = cash_balance + $1,
		    updated_at = get_tx_timestamp()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return r.append(ctx, tx, tradeID, "user:"+userID, "credit", amount)
}

// HoldInEscrow debits the payer and parks the amount in an escrow hold keyed
// by trade id. The payee is recorded up front so release paths do not need to
// recompute it.
func (r *Repository) HoldInEscrow(ctx context.Context, tx pgx.Tx, tradeID, fromUserID, toUserID string, amount int64) error {
	if err := r.Debit(ctx, tx, fromUserID, tradeID, amount); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_holds (trade_id, payer_id, payee_id, amount)
		VALUES ($1, $2, $3, $4)
	`, tradeID, fromUserID, toUserID, amount); err != nil {
		return fmt.Errorf("ledger: insert hold: %w", err)
	}

	return r.append(ctx, tx, tradeID, "escrow:"+tradeID, "hold", amount)
}

// ReleaseFromEscrow settles the hold to the given user, which may be the payee
// (normal settlement) or the payer (full refund). It fails with ErrHoldSettled
// if the hold was already consumed, which is the double-release guard.
func (r *Repository) ReleaseFromEscrow(ctx context.Context, tx pgx.Tx, tradeID, toUserID string) (int64, error) {
	hold, err := r.lockHold(ctx, tx, tradeID)
	if err != nil {
		return 0, err
	}

	status := HoldStatusReleased
	if toUserID == hold.PayerID {
		status = HoldStatusRefunded
	} else if toUserID != hold.PayeeID {
		return 0, fmt.Errorf("ledger: release target %s is neither payer nor payee", toUserID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_holds
		SET status = $1, settled_at = get_tx_timestamp()
		WHERE trade_id = $2
	`, status, tradeID); err != nil {
		return 0, fmt.Errorf("ledger: settle hold: %w", err)
	}

	if err := r.append(ctx, tx, tradeID, "escrow:"+tradeID, "release", -hold.Amount); err != nil {
		return 0, err
	}
	if err := r.Credit(ctx, tx, toUserID, tradeID, hold.Amount); err != nil {
		return 0, err
	}
	return hold.Amount, nil
}

// SplitEscrow settles the hold by refunding payerAmount to the payer and the
// remainder to the payee. Used by partial-refund dispute resolutions.
func (r *Repository) SplitEscrow(ctx context.Context, tx pgx.Tx, tradeID string, payerAmount int64) error {
	hold, err := r.lockHold(ctx, tx, tradeID)
	if err != nil {
		return err
	}
	if payerAmount < 0 || payerAmount > hold.Amount {
		return fmt.Errorf("ledger: split amount %d outside hold of %d", payerAmount, hold.Amount)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_holds
		SET status = 'split', settled_at = get_tx_timestamp()
		WHERE trade_id = $1
	`, tradeID); err != nil {
		return fmt.Errorf("ledger: settle hold: %w", err)
	}

	if err := r.append(ctx, tx, tradeID, "escrow:"+tradeID, "release", -hold.Amount); err != nil {
		return err
	}
	if payerAmount > 0 {
		if err := r.Credit(ctx, tx, hold.PayerID, tradeID, payerAmount); err != nil {
			return err
		}
	}
	if rest := hold.Amount - payerAmount; rest > 0 {
		if err := r.Credit(ctx, tx, hold.PayeeID, tradeID, rest); err != nil {
			return err
		}
	}
	return nil
}

// TransferItemOwnership reassigns the item to the user and clears any trade
// lock on it.
func (r *Repository) TransferItemOwnership(ctx context.Context, tx pgx.Tx, itemID, toUserID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE items
		SET owner_id = $1,
		    locked_by_trade_id = NULL,
		    updated_at = get_tx_timestamp()
		WHERE id = $2
	`, toUserID, itemID)
	if err != nil {
		return fmt.Errorf("ledger: transfer item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetHold loads the escrow hold for a trade, whatever its status, locking the
// row. ErrNotFound means the trade never had a funded escrow.
func (r *Repository) GetHold(ctx context.Context, tx pgx.Tx, tradeID string) (Hold, error) {
	var hold Hold
	err := tx.QueryRow(ctx, `
		SELECT trade_id, payer_id, payee_id, amount, status::text, created_at, settled_at
		FROM escrow_holds
		WHERE trade_id = $1
		FOR UPDATE
	`, tradeID).Scan(&hold.TradeID, &hold.PayerID, &hold.PayeeID, &hold.Amount, &hold.Status, &hold.CreatedAt, &hold.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("ledger: get hold: %w", err)
	}
	return hold, nil
}

// Balance reads the user's current cash balance outside any transaction.
func (r *Repository) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT cash_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

func (r *Repository) lockHold(ctx context.Context, tx pgx.Tx, tradeID string) (Hold, error) {
	var hold Hold
	err := tx.QueryRow(ctx, `
		SELECT trade_id, payer_id, payee_id, amount, status::text
		FROM escrow_holds
		WHERE trade_id = $1
		FOR UPDATE
	`, tradeID).Scan(&hold.TradeID, &hold.PayerID, &hold.PayeeID, &hold.Amount, &hold.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("ledger: lock hold: %w", err)
	}
	if hold.Status != HoldStatusHeld {
		return Hold{}, ErrHoldSettled
	}
	return hold, nil
}

func (r *Repository) append(ctx context.Context, tx pgx.Tx, tradeID, account, entryType string, amount int64) error {
	var trade any
	if tradeID != "" {
		trade = tradeID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (trade_id, account, entry_type, amount)
		VALUES ($1, $2, $3, $4)
	`, trade, account, entryType, amount); err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}
