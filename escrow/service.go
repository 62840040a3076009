package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/ledger"
	"tradeflow/reputation"
	"tradeflow/trade"
	"tradeflow/valuation"
)

var (
	// ErrNotFound signals the trade does not exist.
	ErrNotFound = errors.New("escrow: trade not found")
	// ErrInvalidState signals the trade is not awaiting payment.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrNotAuthorized signals the caller is not the computed payer.
	ErrNotAuthorized = errors.New("escrow: caller is not the payer")
	// ErrInsufficientFunds signals the payer cannot cover the differential.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
)

// RatingWindow is how long both parties have to rate after settlement.
const RatingWindow = 7 * 24 * time.Hour

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TradeStore is the slice of trade persistence the coordinator needs.
type TradeStore interface {
	Get(ctx context.Context, tradeID string) (trade.Trade, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (trade.Trade, error)
	SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to trade.Status) error
	OpenRatingWindow(ctx context.Context, tx pgx.Tx, tradeID string, deadline time.Time) error
}

// ReputationApplier writes score deltas inside the settlement transaction.
type ReputationApplier interface {
	Apply(ctx context.Context, tx pgx.Tx, userID string, reputationDelta int, surplusDelta int64) error
}

// EventWriter appends to the per-trade business event log.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, tradeID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues notifications transactionally.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, recipientID, tradeID string, payload map[string]any) error
}

// Service computes cash differentials, tracks escrow funding, and owns the
// single consolidated settlement routine every completion path goes through.
type Service struct {
	pool   TxBeginner
	trades TradeStore
	values valuation.Snapshot
	money  ledger.Facade
	rep    ReputationApplier
	events EventWriter
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, trades TradeStore, values valuation.Snapshot, money ledger.Facade, rep ReputationApplier, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		trades: trades,
		values: values,
		money:  money,
		rep:    rep,
		events: events,
		outbox: outbox,
		now:    time.Now,
	}
}

// ComputeCashDifferential totals both sides' estimated item values plus
// declared cash and reports who owes what.
func (s *Service) ComputeCashDifferential(ctx context.Context, tradeID string) (Differential, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return Differential{}, ErrNotFound
		}
		return Differential{}, err
	}
	return s.differentialFor(ctx, t)
}

func (s *Service) differentialFor(ctx context.Context, t trade.Trade) (Differential, error) {
	proposerItems, err := s.values.SumValues(ctx, t.ProposerItemIDs)
	if err != nil {
		return Differential{}, fmt.Errorf("escrow: proposer values: %w", err)
	}
	receiverItems, err := s.values.SumValues(ctx, t.ReceiverItemIDs)
	if err != nil {
		return Differential{}, fmt.Errorf("escrow: receiver values: %w", err)
	}
	return ComputeDifferential(
		t.ProposerID, t.ReceiverID,
		proposerItems+t.ProposerCash, receiverItems+t.ReceiverCash,
		t.ProposerCash, t.ReceiverCash,
	), nil
}

// FundEscrow debits the payer into an escrow hold keyed by trade id and moves
// the trade to escrow_funded. A zero differential short-circuits the hold.
func (s *Service) FundEscrow(ctx context.Context, tradeID, payerID string) (trade.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return trade.Trade{}, ErrNotFound
		}
		return trade.Trade{}, err
	}
	if t.Status != trade.StatusPaymentPending {
		return trade.Trade{}, ErrInvalidState
	}

	diff, err := s.differentialFor(ctx, t)
	if err != nil {
		return trade.Trade{}, err
	}
	if diff.PayerID == nil {
		// Declared cash netted to zero: no hold needed, either party may
		// advance the trade past the payment step.
		if !t.IsParty(payerID) {
			return trade.Trade{}, ErrNotAuthorized
		}
	} else if *diff.PayerID != payerID {
		return trade.Trade{}, ErrNotAuthorized
	}

	if diff.PayerID != nil && diff.Amount > 0 {
		payee := t.OtherParty(payerID)
		if err := s.money.HoldInEscrow(ctx, tx, t.ID, payerID, payee, diff.Amount); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				return trade.Trade{}, ErrInsufficientFunds
			case errors.Is(err, ledger.ErrNotFound):
				return trade.Trade{}, ErrNotFound
			}
			return trade.Trade{}, err
		}
	}

	if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusEscrowFunded); err != nil {
		return trade.Trade{}, err
	}

	payload := map[string]any{"amount": diff.Amount, "payer_id": payerID}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventEscrowFunded, payerID, payload); err != nil {
		return trade.Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.escrow_funded", t.OtherParty(payerID), t.ID, payload); err != nil {
		return trade.Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return trade.Trade{}, fmt.Errorf("escrow: commit fund: %w", err)
	}
	t.Status = trade.StatusEscrowFunded
	return t, nil
}

// Settle is the single routine where escrow releases, item ownership moves,
// and reputation is scored. It runs inside the caller's transaction, after
// the caller has performed its guarding status transition; the hold's own
// held->settled check rejects any second release.
func (s *Service) Settle(ctx context.Context, tx pgx.Tx, t trade.Trade) error {
	diff, err := s.differentialFor(ctx, t)
	if err != nil {
		return err
	}

	if diff.PayerID != nil && diff.Amount > 0 {
		payee := t.OtherParty(*diff.PayerID)
		if _, err := s.money.ReleaseFromEscrow(ctx, tx, t.ID, payee); err != nil {
			return fmt.Errorf("escrow: release: %w", err)
		}
	}

	for _, itemID := range t.ProposerItemIDs {
		if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ReceiverID); err != nil {
			return fmt.Errorf("escrow: transfer proposer item: %w", err)
		}
	}
	for _, itemID := range t.ReceiverItemIDs {
		if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ProposerID); err != nil {
			return fmt.Errorf("escrow: transfer receiver item: %w", err)
		}
	}

	proposerItems, err := s.values.SumValues(ctx, t.ProposerItemIDs)
	if err != nil {
		return fmt.Errorf("escrow: proposer values: %w", err)
	}
	receiverItems, err := s.values.SumValues(ctx, t.ReceiverItemIDs)
	if err != nil {
		return fmt.Errorf("escrow: receiver values: %w", err)
	}
	deltas := reputation.Score(proposerItems+t.ProposerCash, receiverItems+t.ReceiverCash)
	if err := s.rep.Apply(ctx, tx, t.ProposerID, deltas.ProposerReputation, deltas.ProposerSurplus); err != nil {
		return err
	}
	if err := s.rep.Apply(ctx, tx, t.ReceiverID, deltas.ReceiverReputation, deltas.ReceiverSurplus); err != nil {
		return err
	}

	deadline := s.now().Add(RatingWindow)
	if err := s.trades.OpenRatingWindow(ctx, tx, t.ID, deadline); err != nil {
		return err
	}

	payload := map[string]any{
		"escrow_amount":       diff.Amount,
		"proposer_reputation": deltas.ProposerReputation,
		"receiver_reputation": deltas.ReceiverReputation,
	}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventTradeSettled, "", payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.settled", t.ProposerID, t.ID, payload); err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, "trade.settled", t.ReceiverID, t.ID, payload)
}
