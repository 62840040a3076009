package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tradeflow/ledger"
	"tradeflow/trade"
)

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeStore struct {
	ticket    Ticket
	insertErr error
	roles     map[string]string
	overdue   map[Status][]string
	linked    []string
	messages  []Message
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, params InsertParams) (Ticket, error) {
	if f.insertErr != nil {
		return Ticket{}, f.insertErr
	}
	f.ticket = Ticket{
		ID:                params.ID,
		TradeID:           params.TradeID,
		InitiatorID:       params.InitiatorID,
		Status:            StatusAwaitingEvidence,
		Type:              params.Type,
		InitiatorEvidence: Evidence{Statement: params.Statement},
		Deadline:          params.Deadline,
	}
	return f.ticket, nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, ticketID string) (Ticket, error) {
	if f.ticket.ID != ticketID {
		return Ticket{}, ErrNotFound
	}
	return f.ticket, nil
}

func (f *fakeStore) SetStatus(_ context.Context, _ pgx.Tx, ticketID string, from, to Status, deadline time.Time) error {
	if f.ticket.ID != ticketID || f.ticket.Status != from {
		return ErrInvalidState
	}
	f.ticket.Status = to
	f.ticket.Deadline = deadline
	return nil
}

func (f *fakeStore) SetInitiatorAttachments(_ context.Context, _ pgx.Tx, _ string, attachments []string) error {
	f.ticket.InitiatorEvidence.Attachments = attachments
	return nil
}

func (f *fakeStore) SetRespondentEvidence(_ context.Context, _ pgx.Tx, _, statement string, attachments []string) error {
	f.ticket.RespondentEvidence = &Evidence{Statement: statement, Attachments: attachments}
	return nil
}

func (f *fakeStore) SetResolution(_ context.Context, _ pgx.Tx, _ string, resolution Resolution, notes, moderatorID string) error {
	if f.ticket.Status != StatusEscalated {
		return ErrInvalidState
	}
	f.ticket.Status = StatusResolved
	f.ticket.Resolution = &resolution
	f.ticket.ModeratorNotes = &notes
	f.ticket.ModeratorID = &moderatorID
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, _ pgx.Tx, ticketID, senderID, body string) (Message, error) {
	msg := Message{ID: int64(len(f.messages) + 1), DisputeID: ticketID, SenderID: senderID, Body: body}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) OverdueIDs(_ context.Context, _ pgx.Tx, _ time.Time, statuses []Status, _ int) ([]string, error) {
	var ids []string
	for _, s := range statuses {
		ids = append(ids, f.overdue[s]...)
	}
	return ids, nil
}

func (f *fakeStore) LinkTrade(_ context.Context, _ pgx.Tx, tradeID, ticketID string) error {
	f.linked = append(f.linked, tradeID+":"+ticketID)
	return nil
}

func (f *fakeStore) UserRole(_ context.Context, _ pgx.Tx, userID string) (string, error) {
	role, ok := f.roles[userID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

type fakeTradeStore struct {
	trade          trade.Trade
	released       []string
	ratingDeadline *time.Time
}

func (f *fakeTradeStore) Get(_ context.Context, tradeID string) (trade.Trade, error) {
	if f.trade.ID != tradeID {
		return trade.Trade{}, trade.ErrNotFound
	}
	return f.trade, nil
}

func (f *fakeTradeStore) GetForUpdate(_ context.Context, _ pgx.Tx, tradeID string) (trade.Trade, error) {
	return f.Get(context.Background(), tradeID)
}

func (f *fakeTradeStore) SetStatus(_ context.Context, _ pgx.Tx, tradeID string, from, to trade.Status) error {
	if f.trade.ID != tradeID || f.trade.Status != from || !trade.CanTransition(from, to) {
		return trade.ErrInvalidState
	}
	f.trade.Status = to
	return nil
}

func (f *fakeTradeStore) ReleaseItems(_ context.Context, _ pgx.Tx, tradeID string) error {
	f.released = append(f.released, tradeID)
	return nil
}

func (f *fakeTradeStore) OpenRatingWindow(_ context.Context, _ pgx.Tx, _ string, deadline time.Time) error {
	f.ratingDeadline = &deadline
	return nil
}

type fakeLedger struct {
	hold        ledger.Hold
	holdErr     error
	released    []string
	debits      []string
	credits     []string
	transferred map[string]string
}

func (f *fakeLedger) Debit(_ context.Context, _ pgx.Tx, userID, _ string, _ int64) error {
	f.debits = append(f.debits, userID)
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, _ pgx.Tx, userID, _ string, _ int64) error {
	f.credits = append(f.credits, userID)
	return nil
}

func (f *fakeLedger) HoldInEscrow(_ context.Context, _ pgx.Tx, _, _, _ string, _ int64) error {
	return nil
}

func (f *fakeLedger) ReleaseFromEscrow(_ context.Context, _ pgx.Tx, _ string, toUserID string) (int64, error) {
	f.released = append(f.released, toUserID)
	f.hold.Status = ledger.HoldStatusReleased
	return f.hold.Amount, nil
}

func (f *fakeLedger) SplitEscrow(_ context.Context, _ pgx.Tx, _ string, _ int64) error {
	f.hold.Status = ledger.HoldStatusSplit
	return nil
}

func (f *fakeLedger) TransferItemOwnership(_ context.Context, _ pgx.Tx, itemID, toUserID string) error {
	if f.transferred == nil {
		f.transferred = make(map[string]string)
	}
	f.transferred[itemID] = toUserID
	return nil
}

func (f *fakeLedger) GetHold(_ context.Context, _ pgx.Tx, _ string) (ledger.Hold, error) {
	if f.holdErr != nil {
		return ledger.Hold{}, f.holdErr
	}
	return f.hold, nil
}

func (f *fakeLedger) Balance(_ context.Context, _ string) (int64, error) { return 0, nil }

type fakeSettler struct {
	settled []string
}

func (f *fakeSettler) Settle(_ context.Context, _ pgx.Tx, t trade.Trade) error {
	f.settled = append(f.settled, t.ID)
	return nil
}

type fakeEvents struct {
	kinds []string
}

func (f *fakeEvents) Append(_ context.Context, _ pgx.Tx, _, eventType, _ string, _ map[string]any) error {
	f.kinds = append(f.kinds, eventType)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic, _, _ string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fixture struct {
	svc     *Service
	pool    *fakePool
	repo    *fakeStore
	trades  *fakeTradeStore
	money   *fakeLedger
	settler *fakeSettler
	events  *fakeEvents
	now     time.Time
}

func newFixture(t trade.Trade) *fixture {
	f := &fixture{
		pool:    &fakePool{},
		repo:    &fakeStore{roles: map[string]string{}, overdue: map[Status][]string{}},
		trades:  &fakeTradeStore{trade: t},
		money:   &fakeLedger{holdErr: ledger.ErrNotFound},
		settler: &fakeSettler{},
		events:  &fakeEvents{},
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.pool, f.repo, f.trades, f.money, f.settler, f.events, &fakeOutbox{})
	f.svc.now = func() time.Time { return f.now }
	f.svc.newID = func() string { return "ticket-1" }
	return f
}

func TestOpen_Success(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusDeliveredAwaiting,
	})

	tk, err := fx.svc.Open(context.Background(), "t1", "alice", TypeItemNotReceived, "box never arrived")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if tk.Status != StatusAwaitingEvidence {
		t.Fatalf("expected awaiting_evidence, got %s", tk.Status)
	}
	if want := fx.now.Add(EvidenceWindow); !tk.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, tk.Deadline)
	}
	if fx.trades.trade.Status != trade.StatusDisputeOpened {
		t.Fatalf("expected trade frozen in dispute_opened, got %s", fx.trades.trade.Status)
	}
	if len(fx.repo.linked) != 1 {
		t.Fatal("expected ticket linked to trade")
	}
	if !fx.pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestOpen_Guards(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusInTransit,
	})
	ctx := context.Background()

	if _, err := fx.svc.Open(ctx, "t1", "alice", TypeItemNotReceived, "s"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("in-transit trade: expected ErrInvalidState, got %v", err)
	}

	fx.trades.trade.Status = trade.StatusDeliveredAwaiting
	if _, err := fx.svc.Open(ctx, "t1", "mallory", TypeItemNotReceived, "s"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-party: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := fx.svc.Open(ctx, "t1", "alice", Type("bogus"), "s"); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad type: expected ErrValidation, got %v", err)
	}
	if _, err := fx.svc.Open(ctx, "t1", "alice", TypeItemNotReceived, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty statement: expected ErrValidation, got %v", err)
	}
}

func TestSubmitEvidence_NotAsDescribedRequiresAttachments(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{
		ID:          "d1",
		TradeID:     "t1",
		InitiatorID: "alice",
		Status:      StatusAwaitingEvidence,
		Type:        TypeNotAsDescribed,
	}

	if _, err := fx.svc.SubmitEvidence(context.Background(), "d1", "alice", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without photos, got %v", err)
	}

	tk, err := fx.svc.SubmitEvidence(context.Background(), "d1", "alice", []string{"photo-1.jpg"})
	if err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	if tk.Status != StatusAwaitingResponse {
		t.Fatalf("expected awaiting_response, got %s", tk.Status)
	}
}

func TestSubmitEvidence_OnlyInitiator(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID: "t1", ProposerID: "alice", ReceiverID: "bob", Status: trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{
		ID: "d1", TradeID: "t1", InitiatorID: "alice",
		Status: StatusAwaitingEvidence, Type: TypeItemNotReceived,
	}

	if _, err := fx.svc.SubmitEvidence(context.Background(), "d1", "bob", nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestResolve_Guards(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID: "t1", ProposerID: "alice", ReceiverID: "bob", Status: trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{ID: "d1", TradeID: "t1", InitiatorID: "alice", Status: StatusEscalated}
	fx.repo.roles["mod"] = "moderator"
	fx.repo.roles["alice"] = "trader"
	ctx := context.Background()

	if _, err := fx.svc.Resolve(ctx, "d1", ResolutionFullRefund, "short", "mod"); !errors.Is(err, ErrValidation) {
		t.Fatalf("short notes: expected ErrValidation, got %v", err)
	}
	if _, err := fx.svc.Resolve(ctx, "d1", Resolution("bogus"), "detailed reasoning here", "mod"); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad resolution: expected ErrValidation, got %v", err)
	}
	if _, err := fx.svc.Resolve(ctx, "d1", ResolutionFullRefund, "detailed reasoning here", "alice"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-moderator: expected ErrNotAuthorized, got %v", err)
	}
}

func TestResolve_FullRefundBeforeSettlement(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{ID: "d1", TradeID: "t1", InitiatorID: "bob", Status: StatusEscalated}
	fx.repo.roles["mod"] = "moderator"
	fx.money.holdErr = nil
	fx.money.hold = ledger.Hold{
		TradeID: "t1", PayerID: "alice", PayeeID: "bob",
		Amount: 500, Status: ledger.HoldStatusHeld,
	}

	tk, err := fx.svc.Resolve(context.Background(), "d1", ResolutionFullRefund, "item never arrived, refund", "mod")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if tk.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", tk.Status)
	}
	if len(fx.money.released) != 1 || fx.money.released[0] != "alice" {
		t.Fatalf("expected escrow refunded to the payer, got %v", fx.money.released)
	}
	if len(fx.trades.released) != 1 {
		t.Fatal("expected item locks released")
	}
	if fx.trades.trade.Status != trade.StatusDisputeResolved {
		t.Fatalf("expected dispute_resolved, got %s", fx.trades.trade.Status)
	}
	if fx.trades.ratingDeadline == nil {
		t.Fatal("expected fresh rating window after resolution")
	}
	if len(fx.settler.settled) != 0 {
		t.Fatal("full refund must not settle the trade")
	}
}

func TestResolve_TradeUpheldSettles(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{ID: "d1", TradeID: "t1", InitiatorID: "bob", Status: StatusEscalated}
	fx.repo.roles["mod"] = "moderator"

	if _, err := fx.svc.Resolve(context.Background(), "d1", ResolutionTradeUpheld, "claim was not substantiated", "mod"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(fx.settler.settled) != 1 || fx.settler.settled[0] != "t1" {
		t.Fatalf("expected one settlement, got %v", fx.settler.settled)
	}
	if fx.trades.trade.Status != trade.StatusDisputeResolved {
		t.Fatalf("expected dispute_resolved, got %s", fx.trades.trade.Status)
	}
}

func TestResolve_TradeReversalAfterSettlement(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:               "t1",
		ProposerID:       "alice",
		ReceiverID:       "bob",
		ProposerItemIDs:  []string{"item-a"},
		ReceiverItemIDs:  []string{"item-b"},
		Status:           trade.StatusDisputeOpened,
		ProposerVerified: true,
		ReceiverVerified: true,
	})
	fx.repo.ticket = Ticket{ID: "d1", TradeID: "t1", InitiatorID: "bob", Status: StatusEscalated}
	fx.repo.roles["mod"] = "moderator"
	fx.money.holdErr = nil
	fx.money.hold = ledger.Hold{
		TradeID: "t1", PayerID: "alice", PayeeID: "bob",
		Amount: 500, Status: ledger.HoldStatusReleased,
	}

	if _, err := fx.svc.Resolve(context.Background(), "d1", ResolutionTradeReversal, "counterfeit confirmed, unwind", "mod"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if fx.money.transferred["item-a"] != "alice" || fx.money.transferred["item-b"] != "bob" {
		t.Fatalf("expected items returned to original owners, got %v", fx.money.transferred)
	}
	if len(fx.money.debits) != 1 || fx.money.debits[0] != "bob" {
		t.Fatalf("expected the payee debited, got %v", fx.money.debits)
	}
	if len(fx.money.credits) != 1 || fx.money.credits[0] != "alice" {
		t.Fatalf("expected the payer made whole, got %v", fx.money.credits)
	}
}

func TestRunDeadlineSweep(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID:         "t1",
		ProposerID: "alice",
		ReceiverID: "bob",
		Status:     trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{
		ID:          "d1",
		TradeID:     "t1",
		InitiatorID: "alice",
		Status:      StatusAwaitingEvidence,
		Deadline:    fx.now.Add(-time.Hour),
	}
	fx.repo.overdue[StatusAwaitingEvidence] = []string{"d1"}

	res, err := fx.svc.RunDeadlineSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if res.Closed != 1 || res.Escalated != 0 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if fx.repo.ticket.Status != StatusClosedAutomatically {
		t.Fatalf("expected closed_automatically, got %s", fx.repo.ticket.Status)
	}
	if len(fx.settler.settled) != 1 {
		t.Fatal("an abandoned dispute must settle the trade as upheld")
	}
	if fx.trades.trade.Status != trade.StatusDisputeResolved {
		t.Fatalf("expected dispute_resolved, got %s", fx.trades.trade.Status)
	}
}

func TestRunDeadlineSweep_EscalatesStalledMediation(t *testing.T) {
	fx := newFixture(trade.Trade{
		ID: "t1", ProposerID: "alice", ReceiverID: "bob", Status: trade.StatusDisputeOpened,
	})
	fx.repo.ticket = Ticket{
		ID:          "d1",
		TradeID:     "t1",
		InitiatorID: "alice",
		Status:      StatusInMediation,
		Deadline:    fx.now.Add(-time.Hour),
	}
	fx.repo.overdue[StatusInMediation] = []string{"d1"}

	res, err := fx.svc.RunDeadlineSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if res.Escalated != 1 {
		t.Fatalf("expected one escalation, got %+v", res)
	}
	if fx.repo.ticket.Status != StatusEscalated {
		t.Fatalf("expected escalated_to_moderation, got %s", fx.repo.ticket.Status)
	}
	if want := fx.now.Add(ModerationWindow); !fx.repo.ticket.Deadline.Equal(want) {
		t.Fatalf("expected moderation deadline %v, got %v", want, fx.repo.ticket.Deadline)
	}
}
