package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/trade"
)

var (
	// ErrNotFound signals the trade does not exist.
	ErrNotFound = errors.New("shipping: trade not found")
	// ErrInvalidState signals the trade is not in a shippable or verifiable state.
	ErrInvalidState = errors.New("shipping: invalid state")
	// ErrNotAuthorized signals the caller is not a trade party.
	ErrNotAuthorized = errors.New("shipping: caller is not a trade party")
	// ErrValidation signals malformed input such as an empty tracking number.
	ErrValidation = errors.New("shipping: invalid input")
)

// DeliveryEvent is one status report from the external tracking feed.
type DeliveryEvent struct {
	Carrier        string
	TrackingNumber string
	Status         string
	Timestamp      time.Time
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TradeStore is the slice of trade persistence the tracker needs.
type TradeStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (trade.Trade, error)
	SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to trade.Status) error
}

// LogisticsStore writes tracking and verification flags.
type LogisticsStore interface {
	SetTracking(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side, trackingNumber string) error
	SetVerified(ctx context.Context, tx pgx.Tx, tradeID string, side trade.Side) error
	FindIDByTracking(ctx context.Context, trackingNumber string) (string, error)
	DeliveredTrackingCount(ctx context.Context, tx pgx.Tx, tradeID string) (int, error)
}

// Settler is the consolidated settlement routine invoked when both parties
// have verified satisfaction.
type Settler interface {
	Settle(ctx context.Context, tx pgx.Tx, t trade.Trade) error
}

// EventWriter appends to the per-trade business event log.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, tradeID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues notifications transactionally.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, recipientID, tradeID string, payload map[string]any) error
}

// Service records tracking submissions and mutual satisfaction verification,
// and drives the post-delivery settlement.
type Service struct {
	pool    TxBeginner
	trades  TradeStore
	repo    LogisticsStore
	settler Settler
	events  EventWriter
	outbox  OutboxWriter
}

func NewService(pool TxBeginner, trades TradeStore, repo LogisticsStore, settler Settler, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:    pool,
		trades:  trades,
		repo:    repo,
		settler: settler,
		events:  events,
		outbox:  outbox,
	}
}

// SubmitTracking records the caller's tracking number. The first submission
// moves a freshly funded trade into shipping_pending; the second moves it to
// in_transit.
func (s *Service) SubmitTracking(ctx context.Context, tradeID, userID, trackingNumber string) (trade.Trade, error) {
	if trackingNumber == "" {
		return trade.Trade{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return trade.Trade{}, ErrNotFound
		}
		return trade.Trade{}, err
	}
	switch t.Status {
	case trade.StatusEscrowFunded, trade.StatusShippingPending, trade.StatusInTransit:
	default:
		return trade.Trade{}, ErrInvalidState
	}
	if !t.IsParty(userID) {
		return trade.Trade{}, ErrNotAuthorized
	}

	side := t.SideOf(userID)
	if err := s.repo.SetTracking(ctx, tx, t.ID, side, trackingNumber); err != nil {
		return trade.Trade{}, err
	}
	if side == trade.SideProposer {
		t.ProposerSubmittedTracking = true
		t.ProposerTrackingNumber = &trackingNumber
	} else {
		t.ReceiverSubmittedTracking = true
		t.ReceiverTrackingNumber = &trackingNumber
	}

	bothSubmitted := t.ProposerSubmittedTracking && t.ReceiverSubmittedTracking
	next := t.Status
	switch {
	case bothSubmitted && t.Status != trade.StatusInTransit:
		next = trade.StatusInTransit
	case !bothSubmitted && t.Status == trade.StatusEscrowFunded:
		next = trade.StatusShippingPending
	}
	if next != t.Status {
		if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, next); err != nil {
			return trade.Trade{}, err
		}
		t.Status = next
	}

	payload := map[string]any{"side": string(side), "both_submitted": bothSubmitted}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventTrackingLogged, userID, payload); err != nil {
		return trade.Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.tracking_submitted", t.OtherParty(userID), t.ID, payload); err != nil {
		return trade.Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: commit tracking: %w", err)
	}
	return t, nil
}

// MarkDelivered moves an in-transit trade to delivered_awaiting_verification.
// Called by the feed consumer, or directly in deployments without one.
func (s *Service) MarkDelivered(ctx context.Context, tradeID string) (trade.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return trade.Trade{}, ErrNotFound
		}
		return trade.Trade{}, err
	}
	if t.Status != trade.StatusInTransit {
		return trade.Trade{}, ErrInvalidState
	}

	t, err = s.markDeliveredTx(ctx, tx, t)
	if err != nil {
		return trade.Trade{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: commit delivered: %w", err)
	}
	return t, nil
}

// HandleDeliveryEvent consumes one report from the tracking feed. Each
// delivered shipment is logged; once every submitted shipment has a delivered
// report the trade advances to delivered_awaiting_verification.
func (s *Service) HandleDeliveryEvent(ctx context.Context, ev DeliveryEvent) error {
	if ev.Status != "delivered" {
		return nil
	}

	tradeID, err := s.repo.FindIDByTracking(ctx, ev.TrackingNumber)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Feed reports shipments we no longer track; ignore them.
			return nil
		}
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return err
	}
	if t.Status != trade.StatusInTransit {
		return tx.Commit(ctx)
	}

	payload := map[string]any{
		"carrier":         ev.Carrier,
		"tracking_number": ev.TrackingNumber,
		"reported_at":     ev.Timestamp.UTC(),
	}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventShipmentArrived, "", payload); err != nil {
		return err
	}

	delivered, err := s.repo.DeliveredTrackingCount(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	expected := 0
	if t.ProposerTrackingNumber != nil {
		expected++
	}
	if t.ReceiverTrackingNumber != nil {
		expected++
	}
	if delivered >= expected {
		if _, err := s.markDeliveredTx(ctx, tx, t); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Service) markDeliveredTx(ctx context.Context, tx pgx.Tx, t trade.Trade) (trade.Trade, error) {
	if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusDeliveredAwaiting); err != nil {
		return trade.Trade{}, err
	}
	t.Status = trade.StatusDeliveredAwaiting
	if err := s.events.Append(ctx, tx, t.ID, trade.EventDelivered, "", nil); err != nil {
		return trade.Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.delivered", t.ProposerID, t.ID, nil); err != nil {
		return trade.Trade{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "trade.delivered", t.ReceiverID, t.ID, nil); err != nil {
		return trade.Trade{}, err
	}
	return t, nil
}

// VerifySatisfaction flips the caller's verified flag. When the second flag
// lands, the trade settles: this is the only place escrow releases and item
// ownership changes on the happy path. Re-verifying an already settled trade
// is a no-op.
func (s *Service) VerifySatisfaction(ctx context.Context, tradeID, userID string) (trade.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return trade.Trade{}, ErrNotFound
		}
		return trade.Trade{}, err
	}
	if !t.IsParty(userID) {
		return trade.Trade{}, ErrNotAuthorized
	}
	if t.Status != trade.StatusDeliveredAwaiting {
		// Settlement already ran; repeating the call must not re-release.
		if t.ProposerVerified && t.ReceiverVerified {
			return t, nil
		}
		return trade.Trade{}, ErrInvalidState
	}

	side := t.SideOf(userID)
	alreadySet := (side == trade.SideProposer && t.ProposerVerified) ||
		(side == trade.SideReceiver && t.ReceiverVerified)
	if alreadySet {
		return t, nil
	}

	if err := s.repo.SetVerified(ctx, tx, t.ID, side); err != nil {
		return trade.Trade{}, err
	}
	if side == trade.SideProposer {
		t.ProposerVerified = true
	} else {
		t.ReceiverVerified = true
	}

	if err := s.events.Append(ctx, tx, t.ID, trade.EventPartyVerified, userID, map[string]any{"side": string(side)}); err != nil {
		return trade.Trade{}, err
	}

	if t.ProposerVerified && t.ReceiverVerified {
		if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusCompletedAwaitingRating); err != nil {
			return trade.Trade{}, err
		}
		t.Status = trade.StatusCompletedAwaitingRating
		if err := s.settler.Settle(ctx, tx, t); err != nil {
			return trade.Trade{}, err
		}
	} else {
		if err := s.outbox.Enqueue(ctx, tx, "trade.party_verified", t.OtherParty(userID), t.ID, nil); err != nil {
			return trade.Trade{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return trade.Trade{}, fmt.Errorf("shipping: commit verify: %w", err)
	}
	return t, nil
}
