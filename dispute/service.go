package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tradeflow/ledger"
	"tradeflow/trade"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the ticket data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Ticket, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, ticketID string) (Ticket, error)
	SetStatus(ctx context.Context, tx pgx.Tx, ticketID string, from, to Status, deadline time.Time) error
	SetInitiatorAttachments(ctx context.Context, tx pgx.Tx, ticketID string, attachments []string) error
	SetRespondentEvidence(ctx context.Context, tx pgx.Tx, ticketID, statement string, attachments []string) error
	SetResolution(ctx context.Context, tx pgx.Tx, ticketID string, resolution Resolution, notes, moderatorID string) error
	AppendMessage(ctx context.Context, tx pgx.Tx, ticketID, senderID, body string) (Message, error)
	OverdueIDs(ctx context.Context, tx pgx.Tx, now time.Time, statuses []Status, limit int) ([]string, error)
	LinkTrade(ctx context.Context, tx pgx.Tx, tradeID, ticketID string) error
	UserRole(ctx context.Context, tx pgx.Tx, userID string) (string, error)
}

// TradeStore is the slice of trade persistence the workflow needs.
type TradeStore interface {
	Get(ctx context.Context, tradeID string) (trade.Trade, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tradeID string) (trade.Trade, error)
	SetStatus(ctx context.Context, tx pgx.Tx, tradeID string, from, to trade.Status) error
	ReleaseItems(ctx context.Context, tx pgx.Tx, tradeID string) error
	OpenRatingWindow(ctx context.Context, tx pgx.Tx, tradeID string, deadline time.Time) error
}

// Settler is the consolidated settlement routine, used when a resolution
// upholds a trade whose escrow was never released.
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

// RatingWindow is how long the parties have to rate once a dispute closes.
const RatingWindow = 7 * 24 * time.Hour

// Service manages the dispute workflow from opening through resolution.
type Service struct {
	pool    TxBeginner
	repo    Store
	trades  TradeStore
	money   ledger.Facade
	settler Settler
	events  EventWriter
	outbox  OutboxWriter
	now     func() time.Time
	newID   func() string
}

func NewService(pool TxBeginner, repo Store, trades TradeStore, money ledger.Facade, settler Settler, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		trades:  trades,
		money:   money,
		settler: settler,
		events:  events,
		outbox:  outbox,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Open creates a ticket against a trade in a disputable state and freezes the
// trade in dispute_opened.
func (s *Service) Open(ctx context.Context, tradeID, initiatorID string, disputeType Type, statement string) (Ticket, error) {
	if !ValidType(disputeType) {
		return Ticket{}, ErrValidation
	}
	if statement == "" {
		return Ticket{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, err
	}
	if !trade.Disputable(t.Status) {
		return Ticket{}, ErrInvalidState
	}
	if !t.IsParty(initiatorID) {
		return Ticket{}, ErrNotAuthorized
	}

	tk, err := s.repo.Insert(ctx, tx, InsertParams{
		ID:          s.newID(),
		TradeID:     t.ID,
		InitiatorID: initiatorID,
		Type:        disputeType,
		Statement:   statement,
		Deadline:    s.now().Add(EvidenceWindow),
	})
	if err != nil {
		return Ticket{}, err
	}

	if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusDisputeOpened); err != nil {
		return Ticket{}, err
	}
	if err := s.repo.LinkTrade(ctx, tx, t.ID, tk.ID); err != nil {
		return Ticket{}, err
	}

	payload := map[string]any{"ticket_id": tk.ID, "dispute_type": string(disputeType)}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventDisputeOpened, initiatorID, payload); err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", t.OtherParty(initiatorID), t.ID, payload); err != nil {
		return Ticket{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return tk, nil
}

// SubmitEvidence attaches the initiator's evidence files and hands the ticket
// to the respondent. Photographic evidence is mandatory for
// significantly-not-as-described claims only.
func (s *Service) SubmitEvidence(ctx context.Context, ticketID, callerID string, attachments []string) (Ticket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if tk.Status != StatusAwaitingEvidence {
		return Ticket{}, ErrInvalidState
	}
	if callerID != tk.InitiatorID {
		return Ticket{}, ErrNotAuthorized
	}
	if tk.Type == TypeNotAsDescribed && len(attachments) == 0 {
		return Ticket{}, ErrValidation
	}

	if err := s.repo.SetInitiatorAttachments(ctx, tx, tk.ID, attachments); err != nil {
		return Ticket{}, err
	}
	deadline := s.now().Add(ResponseWindow)
	if err := s.repo.SetStatus(ctx, tx, tk.ID, tk.Status, StatusAwaitingResponse, deadline); err != nil {
		return Ticket{}, err
	}

	t, err := s.trades.Get(ctx, tk.TradeID)
	if err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.evidence_submitted", t.OtherParty(tk.InitiatorID), tk.TradeID, map[string]any{"ticket_id": tk.ID}); err != nil {
		return Ticket{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	tk.Status = StatusAwaitingResponse
	tk.InitiatorEvidence.Attachments = attachments
	tk.Deadline = deadline
	return tk, nil
}

// SubmitResponse stores the respondent's side and opens mediation.
func (s *Service) SubmitResponse(ctx context.Context, ticketID, callerID, statement string, attachments []string) (Ticket, error) {
	if statement == "" {
		return Ticket{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if tk.Status != StatusAwaitingResponse {
		return Ticket{}, ErrInvalidState
	}

	t, err := s.trades.Get(ctx, tk.TradeID)
	if err != nil {
		return Ticket{}, err
	}
	if callerID != t.OtherParty(tk.InitiatorID) {
		return Ticket{}, ErrNotAuthorized
	}

	if err := s.repo.SetRespondentEvidence(ctx, tx, tk.ID, statement, attachments); err != nil {
		return Ticket{}, err
	}
	deadline := s.now().Add(MediationWindow)
	if err := s.repo.SetStatus(ctx, tx, tk.ID, tk.Status, StatusInMediation, deadline); err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.response_submitted", tk.InitiatorID, tk.TradeID, map[string]any{"ticket_id": tk.ID}); err != nil {
		return Ticket{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, fmt.Errorf("dispute: commit response: %w", err)
	}
	tk.Status = StatusInMediation
	tk.RespondentEvidence = &Evidence{Statement: statement, Attachments: attachments}
	tk.Deadline = deadline
	return tk, nil
}

// SendMediationMessage appends one message to the mediation log. The log is
// append-only and ordered by arrival; no edits or deletes.
func (s *Service) SendMediationMessage(ctx context.Context, ticketID, senderID, text string) (Message, error) {
	if text == "" {
		return Message{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return Message{}, err
	}
	if tk.Status != StatusInMediation {
		return Message{}, ErrInvalidState
	}

	t, err := s.trades.Get(ctx, tk.TradeID)
	if err != nil {
		return Message{}, err
	}
	if !t.IsParty(senderID) {
		return Message{}, ErrNotAuthorized
	}

	msg, err := s.repo.AppendMessage(ctx, tx, tk.ID, senderID, text)
	if err != nil {
		return Message{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.message", t.OtherParty(senderID), tk.TradeID, map[string]any{"ticket_id": tk.ID}); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("dispute: commit message: %w", err)
	}
	return msg, nil
}

// Escalate hands a mediation that isn't converging to a moderator.
func (s *Service) Escalate(ctx context.Context, ticketID, callerID string) (Ticket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if tk.Status != StatusInMediation {
		return Ticket{}, ErrInvalidState
	}

	t, err := s.trades.Get(ctx, tk.TradeID)
	if err != nil {
		return Ticket{}, err
	}
	if !t.IsParty(callerID) {
		return Ticket{}, ErrNotAuthorized
	}

	deadline := s.now().Add(ModerationWindow)
	if err := s.repo.SetStatus(ctx, tx, tk.ID, tk.Status, StatusEscalated, deadline); err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.escalated", t.OtherParty(callerID), tk.TradeID, map[string]any{"ticket_id": tk.ID}); err != nil {
		return Ticket{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, fmt.Errorf("dispute: commit escalate: %w", err)
	}
	tk.Status = StatusEscalated
	tk.Deadline = deadline
	return tk, nil
}

// Resolve records the moderator's outcome, applies its financial
// consequences, and reopens the rating window so post-dispute rating can
// proceed.
func (s *Service) Resolve(ctx context.Context, ticketID string, resolution Resolution, moderatorNotes, moderatorID string) (Ticket, error) {
	if !ValidResolution(resolution) {
		return Ticket{}, ErrValidation
	}
	if len(moderatorNotes) < MinModeratorNotes {
		return Ticket{}, ErrValidation
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	role, err := s.repo.UserRole(ctx, tx, moderatorID)
	if err != nil {
		return Ticket{}, err
	}
	if role != "moderator" {
		return Ticket{}, ErrNotAuthorized
	}

	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if tk.Status != StatusEscalated {
		return Ticket{}, ErrInvalidState
	}

	t, err := s.trades.GetForUpdate(ctx, tx, tk.TradeID)
	if err != nil {
		return Ticket{}, err
	}

	if err := s.applyResolution(ctx, tx, t, resolution); err != nil {
		return Ticket{}, err
	}

	if err := s.repo.SetResolution(ctx, tx, tk.ID, resolution, moderatorNotes, moderatorID); err != nil {
		return Ticket{}, err
	}
	if err := s.trades.SetStatus(ctx, tx, t.ID, trade.StatusDisputeOpened, trade.StatusDisputeResolved); err != nil {
		return Ticket{}, err
	}

	payload := map[string]any{"ticket_id": tk.ID, "resolution": string(resolution)}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventDisputeResolved, moderatorID, payload); err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", t.ProposerID, t.ID, payload); err != nil {
		return Ticket{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", t.ReceiverID, t.ID, payload); err != nil {
		return Ticket{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	tk.Status = StatusResolved
	tk.Resolution = &resolution
	tk.ModeratorNotes = &moderatorNotes
	tk.ModeratorID = &moderatorID
	return tk, nil
}

// applyResolution moves money and items according to the outcome. A trade is
// already settled when both verification flags are set; disputes opened from
// delivered_awaiting_verification still have their escrow held.
func (s *Service) applyResolution(ctx context.Context, tx pgx.Tx, t trade.Trade, resolution Resolution) error {
	settled := t.ProposerVerified && t.ReceiverVerified

	hold, err := s.money.GetHold(ctx, tx, t.ID)
	hasHold := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	held := hasHold && hold.Status == ledger.HoldStatusHeld

	switch resolution {
	case ResolutionTradeUpheld:
		if !settled {
			return s.settler.Settle(ctx, tx, t)
		}
		return s.trades.OpenRatingWindow(ctx, tx, t.ID, s.now().Add(RatingWindow))

	case ResolutionFullRefund:
		if held {
			if _, err := s.money.ReleaseFromEscrow(ctx, tx, t.ID, hold.PayerID); err != nil {
				return err
			}
		} else if settled && hasHold {
			if err := s.money.Debit(ctx, tx, hold.PayeeID, t.ID, hold.Amount); err != nil {
				return err
			}
			if err := s.money.Credit(ctx, tx, hold.PayerID, t.ID, hold.Amount); err != nil {
				return err
			}
		}
		if !settled {
			if err := s.trades.ReleaseItems(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		return s.trades.OpenRatingWindow(ctx, tx, t.ID, s.now().Add(RatingWindow))

	case ResolutionPartialRefund:
		if held {
			if err := s.money.SplitEscrow(ctx, tx, t.ID, hold.Amount/2); err != nil {
				return err
			}
			// The trade stands with an adjusted price; items move as agreed.
			if !settled {
				if err := s.transferOffer(ctx, tx, t); err != nil {
					return err
				}
			}
		} else if settled && hasHold {
			half := hold.Amount / 2
			if half > 0 {
				if err := s.money.Debit(ctx, tx, hold.PayeeID, t.ID, half); err != nil {
					return err
				}
				if err := s.money.Credit(ctx, tx, hold.PayerID, t.ID, half); err != nil {
					return err
				}
			}
		}
		return s.trades.OpenRatingWindow(ctx, tx, t.ID, s.now().Add(RatingWindow))

	case ResolutionTradeReversal:
		if held {
			if _, err := s.money.ReleaseFromEscrow(ctx, tx, t.ID, hold.PayerID); err != nil {
				return err
			}
		} else if settled && hasHold {
			if err := s.money.Debit(ctx, tx, hold.PayeeID, t.ID, hold.Amount); err != nil {
				return err
			}
			if err := s.money.Credit(ctx, tx, hold.PayerID, t.ID, hold.Amount); err != nil {
				return err
			}
		}
		if settled {
			// Items crossed at settlement; send each set back.
			for _, itemID := range t.ProposerItemIDs {
				if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ProposerID); err != nil {
					return err
				}
			}
			for _, itemID := range t.ReceiverItemIDs {
				if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ReceiverID); err != nil {
					return err
				}
			}
		} else {
			if err := s.trades.ReleaseItems(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		return s.trades.OpenRatingWindow(ctx, tx, t.ID, s.now().Add(RatingWindow))
	}
	return fmt.Errorf("dispute: unhandled resolution %q", resolution)
}

func (s *Service) transferOffer(ctx context.Context, tx pgx.Tx, t trade.Trade) error {
	for _, itemID := range t.ProposerItemIDs {
		if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ReceiverID); err != nil {
			return err
		}
	}
	for _, itemID := range t.ReceiverItemIDs {
		if err := s.money.TransferItemOwnership(ctx, tx, itemID, t.ProposerID); err != nil {
			return err
		}
	}
	return nil
}
