package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/trade"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the rating persistence the service needs.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params Rating) (Rating, error)
	SetRatedFlag(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side) error
	Reveal(ctx context.Context, tx pgx.Tx, tradeID string) (int64, error)
	ListRevealed(ctx context.Context, tradeID string) ([]Rating, error)
	DueTradeIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error)
}

// TradeStore is the slice of trade persistence the rating flow needs.
type TradeStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (trade.Trade, error)
	SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to trade.Status) error
}

// EventWriter appends to the per-trade business event log.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, tradeID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues notifications transactionally.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, recipientID, tradeID string, payload map[string]any) error
}

// Service implements the blind double-rating flow: both parties rate within
// the window, neither sees the other's scores beforehand, and the second
// submission reveals both and completes the trade.
type Service struct {
	pool   TxBeginner
	repo   Store
	trades TradeStore
	events EventWriter
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Store, trades TradeStore, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		trades: trades,
		events: events,
		outbox: outbox,
		now:    time.Now,
	}
}

func ratable(s trade.Status) bool {
	return s == trade.StatusCompletedAwaitingRating || s == trade.StatusDisputeResolved
}

// Submit records one party's rating. The stored rating is hidden; if the
// counterparty has already rated, both are revealed in the same transaction
// and the trade moves to completed.
func (s *Service) Submit(ctx context.Context, tradeID, raterID string, sc Scores, publicComment, privateFeedback string) (Rating, error) {
	if !sc.Valid() {
		return Rating{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rating{}, fmt.Errorf("rating: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return Rating{}, ErrNotFound
		}
		return Rating{}, err
	}
	if !ratable(t.Status) {
		return Rating{}, ErrInvalidState
	}
	if !t.IsParty(raterID) {
		return Rating{}, ErrNotAuthorized
	}
	if t.RatingDeadline == nil || s.now().After(*t.RatingDeadline) {
		return Rating{}, ErrInvalidState
	}

	stored, err := s.repo.Insert(ctx, tx, Rating{
		TradeID:         t.ID,
		RaterID:         raterID,
		RateeID:         t.OtherParty(raterID),
		Scores:          sc,
		PublicComment:   publicComment,
		PrivateFeedback: privateFeedback,
	})
	if err != nil {
		return Rating{}, err
	}
	if err := s.repo.SetRatedFlag(ctx, tx, t.ID, t.SideOf(raterID)); err != nil {
		return Rating{}, err
	}

	// The event records that a rating happened, not what it said.
	if err := s.events.Append(ctx, tx, t.ID, trade.EventRatingSubmitted, raterID, nil); err != nil {
		return Rating{}, err
	}

	counterpartyRated := t.ProposerRated
	if t.SideOf(raterID) == trade.SideProposer {
		counterpartyRated = t.ReceiverRated
	}
	if counterpartyRated {
		if err := s.revealAndComplete(ctx, tx, t, raterID); err != nil {
			return Rating{}, err
		}
		stored.Revealed = true
	}

	if err := tx.Commit(ctx); err != nil {
		return Rating{}, fmt.Errorf("rating: commit submit: %w", err)
	}
	return stored, nil
}

func (s *Service) revealAndComplete(ctx context.Context, tx pgx.Tx, t trade.Trade, actorID string) error {
	if _, err := s.repo.Reveal(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusCompleted); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventRatingsRevealed, actorID, nil); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventTradeCompleted, actorID, nil); err != nil {
		return err
	}
	payload := map[string]any{"trade_id": t.ID}
	if err := s.outbox.Enqueue(ctx, tx, "rating.revealed", t.ProposerID, t.ID, payload); err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, "rating.revealed", t.ReceiverID, t.ID, payload)
}

// RatingsFor returns the visible ratings on a trade. While the window is
// blind this is empty, regardless of who asks.
func (s *Service) RatingsFor(ctx context.Context, tradeID string) ([]Rating, error) {
	return s.repo.ListRevealed(ctx, tradeID)
}
