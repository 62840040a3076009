package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (Trade, error)
	Insert(ctx context.Context, tx pgx.Tx, params ProposeParams) (Trade, error)
	ClaimItems(ctx context.Context, tx pgx.Tx, tradeID, ownerID string, side Side, itemIDs []string) error
	ReleaseItems(ctx context.Context, tx pgx.Tx, tradeID string) error
	SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to Status) error
	UserBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error)
}

// EventWriter appends to the per-trade business event log.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, tradeID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a notification in the same transaction as the
// transition it announces.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, recipientID, tradeID string, payload map[string]any) error
}

// Service owns the trade lifecycle: proposal, response, and counter-offers.
type Service struct {
	pool   TxBeginner
	repo   Store
	events EventWriter
	outbox OutboxWriter
	newID  func() string
}

func NewService(pool TxBeginner, repo Store, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		events: events,
		outbox: outbox,
		newID:  uuid.NewString,
	}
}

// Propose creates a new trade in pending_acceptance. The proposer's declared
// cash is validated against their balance but not held; funds move only at
// escrow funding time.
func (s *Service) Propose(ctx context.Context, params ProposeParams) (Trade, error) {
	if params.ProposerID == "" || params.ReceiverID == "" {
		return Trade{}, fmt.Errorf("trade: proposer and receiver ids required")
	}
	if params.ProposerID == params.ReceiverID {
		return Trade{}, fmt.Errorf("trade: cannot trade with yourself")
	}
	if params.ProposerCash < 0 || params.ReceiverCash < 0 {
		return Trade{}, fmt.Errorf("trade: cash amounts must be non-negative")
	}
	if len(params.ProposerItemIDs) == 0 && len(params.ReceiverItemIDs) == 0 && !cashDeclared(params) {
		return Trade{}, fmt.Errorf("trade: empty offer")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Trade{}, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.createLocked(ctx, tx, params)
	if err != nil {
		return Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Trade{}, fmt.Errorf("trade: commit propose: %w", err)
	}
	return created, nil
}

// createLocked runs the shared proposal logic inside an open transaction so
// CounterOffer can reuse it while holding the original trade's lock.
func (s *Service) createLocked(ctx context.Context, tx pgx.Tx, params ProposeParams) (Trade, error) {
	balance, err := s.repo.UserBalance(ctx, tx, params.ProposerID)
	if err != nil {
		return Trade{}, err
	}
	if balance < params.ProposerCash {
		return Trade{}, ErrInsufficientFunds
	}
	// Receiver must resolve even with an empty counter-side offer.
	if _, err := s.repo.UserBalance(ctx, tx, params.ReceiverID); err != nil {
		return Trade{}, err
	}

	if params.ID == "" {
		params.ID = s.newID()
	}
	created, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Trade{}, err
	}

	if err := s.repo.ClaimItems(ctx, tx, created.ID, params.ProposerID, SideProposer, params.ProposerItemIDs); err != nil {
		return Trade{}, err
	}
	if err := s.repo.ClaimItems(ctx, tx, created.ID, params.ReceiverID, SideReceiver, params.ReceiverItemIDs); err != nil {
		return Trade{}, err
	}
	created.ProposerItemIDs = params.ProposerItemIDs
	created.ReceiverItemIDs = params.ReceiverItemIDs

	payload := map[string]any{
		"proposer_cash":  params.ProposerCash,
		"receiver_cash":  params.ReceiverCash,
		"proposer_items": len(params.ProposerItemIDs),
		"receiver_items": len(params.ReceiverItemIDs),
	}
	if params.ParentTradeID != nil {
		payload["parent_trade_id"] = *params.ParentTradeID
	}
	if err := s.events.Append(ctx, tx, created.ID, EventTradeProposed, params.ProposerID, payload); err != nil {
		return Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.proposed", params.ReceiverID, created.ID, payload); err != nil {
		return Trade{}, err
	}
	return created, nil
}

// Respond applies accept, reject, or cancel to a pending trade. Accept picks
// the next status from whether any cash changes hands; items never move here.
func (s *Service) Respond(ctx context.Context, tradeID, callerID string, action RespondAction) (Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Trade{}, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return Trade{}, err
	}
	if t.Status != StatusPendingAcceptance {
		return Trade{}, ErrInvalidState
	}

	var next Status
	var event, topic string
	switch action {
	case ActionAccept:
		if callerID != t.ReceiverID {
			return Trade{}, ErrNotAuthorized
		}
		if t.CashChangesHands() {
			next = StatusPaymentPending
		} else {
			next = StatusShippingPending
		}
		event, topic = EventTradeAccepted, "trade.accepted"
	case ActionReject:
		if callerID != t.ReceiverID {
			return Trade{}, ErrNotAuthorized
		}
		next, event, topic = StatusRejected, EventTradeRejected, "trade.rejected"
	case ActionCancel:
		if callerID != t.ProposerID {
			return Trade{}, ErrNotAuthorized
		}
		next, event, topic = StatusCancelled, EventTradeCancelled, "trade.cancelled"
	default:
		return Trade{}, fmt.Errorf("trade: unknown action %q", action)
	}

	if err := s.repo.SetStatus(ctx, tx, t.ID, t.Status, next); err != nil {
		return Trade{}, err
	}
	if next == StatusRejected || next == StatusCancelled {
		if err := s.repo.ReleaseItems(ctx, tx, t.ID); err != nil {
			return Trade{}, err
		}
	}

	payload := map[string]any{"action": string(action), "next_status": string(next)}
	if err := s.events.Append(ctx, tx, t.ID, event, callerID, payload); err != nil {
		return Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, t.OtherParty(callerID), t.ID, payload); err != nil {
		return Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Trade{}, fmt.Errorf("trade: commit respond: %w", err)
	}
	t.Status = next
	return t, nil
}

// CounterOffer supersedes a pending trade with a new one proposed by the
// original receiver, roles reversed. The original is marked countered, a
// terminal status, so its items free up for the counter's offer sets.
func (s *Service) CounterOffer(ctx context.Context, originalTradeID, callerID string, terms ProposeParams) (Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Trade{}, fmt.Errorf("trade: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	original, err := s.repo.GetForUpdate(ctx, tx, originalTradeID)
	if err != nil {
		return Trade{}, err
	}
	if original.Status != StatusPendingAcceptance {
		return Trade{}, ErrInvalidState
	}
	if callerID != original.ReceiverID {
		return Trade{}, ErrNotAuthorized
	}

	if err := s.repo.SetStatus(ctx, tx, original.ID, original.Status, StatusCountered); err != nil {
		return Trade{}, err
	}
	if err := s.repo.ReleaseItems(ctx, tx, original.ID); err != nil {
		return Trade{}, err
	}
	if err := s.events.Append(ctx, tx, original.ID, EventTradeCountered, callerID, nil); err != nil {
		return Trade{}, err
	}

	terms.ProposerID = original.ReceiverID
	terms.ReceiverID = original.ProposerID
	terms.ParentTradeID = &original.ID
	counter, err := s.createLocked(ctx, tx, terms)
	if err != nil {
		return Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Trade{}, fmt.Errorf("trade: commit counter: %w", err)
	}
	return counter, nil
}

func cashDeclared(p ProposeParams) bool {
	return p.ProposerCash > 0 || p.ReceiverCash > 0
}
