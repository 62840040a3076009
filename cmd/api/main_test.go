package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/rating"
	"tradeflow/shipping"
	"tradeflow/trade"
)

type stubTradeReader struct {
	trade  trade.Trade
	trades []trade.Trade
	err    error
}

func (s *stubTradeReader) Get(_ context.Context, _ string) (trade.Trade, error) {
	return s.trade, s.err
}

func (s *stubTradeReader) ListForUser(_ context.Context, _ string, limit int) ([]trade.Trade, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.trades) {
		limit = len(s.trades)
	}
	out := make([]trade.Trade, limit)
	copy(out, s.trades[:limit])
	return out, nil
}

type stubTradeService struct {
	proposeTrade trade.Trade
	proposeErr   error
	respondTrade trade.Trade
	respondErr   error
	counterTrade trade.Trade
	counterErr   error
}

func (s *stubTradeService) Propose(_ context.Context, _ trade.ProposeParams) (trade.Trade, error) {
	return s.proposeTrade, s.proposeErr
}

func (s *stubTradeService) Respond(_ context.Context, _, _ string, _ trade.RespondAction) (trade.Trade, error) {
	return s.respondTrade, s.respondErr
}

func (s *stubTradeService) CounterOffer(_ context.Context, _, _ string, _ trade.ProposeParams) (trade.Trade, error) {
	return s.counterTrade, s.counterErr
}

type stubEscrowService struct {
	diff      escrow.Differential
	diffErr   error
	fundTrade trade.Trade
	fundErr   error
}

func (s *stubEscrowService) ComputeCashDifferential(_ context.Context, _ string) (escrow.Differential, error) {
	return s.diff, s.diffErr
}

func (s *stubEscrowService) FundEscrow(_ context.Context, _, _ string) (trade.Trade, error) {
	return s.fundTrade, s.fundErr
}

type stubShippingService struct {
	trackingTrade trade.Trade
	trackingErr   error
	verifyTrade   trade.Trade
	verifyErr     error
	webhookErr    error
}

func (s *stubShippingService) SubmitTracking(_ context.Context, _, _, _ string) (trade.Trade, error) {
	return s.trackingTrade, s.trackingErr
}

func (s *stubShippingService) VerifySatisfaction(_ context.Context, _, _ string) (trade.Trade, error) {
	return s.verifyTrade, s.verifyErr
}

func (s *stubShippingService) HandleDeliveryEvent(_ context.Context, _ shipping.DeliveryEvent) error {
	return s.webhookErr
}

type stubDisputeService struct {
	ticket     dispute.Ticket
	ticketErr  error
	message    dispute.Message
	messageErr error
}

func (s *stubDisputeService) Open(_ context.Context, _, _ string, _ dispute.Type, _ string) (dispute.Ticket, error) {
	return s.ticket, s.ticketErr
}

func (s *stubDisputeService) SubmitEvidence(_ context.Context, _, _ string, _ []string) (dispute.Ticket, error) {
	return s.ticket, s.ticketErr
}

func (s *stubDisputeService) SubmitResponse(_ context.Context, _, _, _ string, _ []string) (dispute.Ticket, error) {
	return s.ticket, s.ticketErr
}

func (s *stubDisputeService) SendMediationMessage(_ context.Context, _, _, _ string) (dispute.Message, error) {
	return s.message, s.messageErr
}

func (s *stubDisputeService) Escalate(_ context.Context, _, _ string) (dispute.Ticket, error) {
	return s.ticket, s.ticketErr
}

func (s *stubDisputeService) Resolve(_ context.Context, _ string, _ dispute.Resolution, _, _ string) (dispute.Ticket, error) {
	return s.ticket, s.ticketErr
}

type stubRatingService struct {
	rating  rating.Rating
	ratings []rating.Rating
	err     error
}

func (s *stubRatingService) Submit(_ context.Context, _, _ string, _ rating.Scores, _, _ string) (rating.Rating, error) {
	return s.rating, s.err
}

func (s *stubRatingService) RatingsFor(_ context.Context, _ string) ([]rating.Rating, error) {
	return s.ratings, s.err
}

func authedRequest(method, target string, body string, userID string, role auth.Role) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func TestHandleGetTrade_Success(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	server := &Server{
		trades: &stubTradeReader{
			trade: trade.Trade{
				ID:         "t1",
				ProposerID: "alice",
				ReceiverID: "bob",
				Status:     trade.StatusPendingAcceptance,
				CreatedAt:  now,
			},
		},
	}

	req := authedRequest(http.MethodGet, "/api/trades/t1", "", "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp tradeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "t1" || resp.Status != string(trade.StatusPendingAcceptance) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetTrade_NonPartyForbidden(t *testing.T) {
	server := &Server{
		trades: &stubTradeReader{
			trade: trade.Trade{ID: "t1", ProposerID: "alice", ReceiverID: "bob"},
		},
	}

	req := authedRequest(http.MethodGet, "/api/trades/t1", "", "mallory", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleTradeDetail_MissingID(t *testing.T) {
	server := &Server{}

	req := authedRequest(http.MethodGet, "/api/trades/", "", "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTrades_WrongMethod(t *testing.T) {
	server := &Server{}

	req := authedRequest(http.MethodDelete, "/api/trades", "", "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTrades(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleTrades_List(t *testing.T) {
	server := &Server{
		trades: &stubTradeReader{
			trades: []trade.Trade{
				{ID: "t1", ProposerID: "alice", ReceiverID: "bob", Status: trade.StatusCompleted},
				{ID: "t2", ProposerID: "alice", ReceiverID: "carol", Status: trade.StatusInTransit},
			},
		},
	}

	req := authedRequest(http.MethodGet, "/api/trades", "", "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTrades(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []tradeResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Total != 2 || payload.Items[0].ID != "t1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleRespond_InvalidState(t *testing.T) {
	server := &Server{
		tradeService: &stubTradeService{respondErr: trade.ErrInvalidState},
	}

	req := authedRequest(http.MethodPost, "/api/trades/t1/respond", `{"action":"accept"}`, "bob", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleFund_InsufficientFunds(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{fundErr: escrow.ErrInsufficientFunds},
	}

	req := authedRequest(http.MethodPost, "/api/trades/t1/fund", "", "bob", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDifferential_Success(t *testing.T) {
	payer := "bob"
	server := &Server{
		escrowService: &stubEscrowService{
			diff: escrow.Differential{Amount: 2500, PayerID: &payer, Description: "cash differential"},
		},
	}

	req := authedRequest(http.MethodGet, "/api/trades/t1/differential", "", "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp differentialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != 2500 || resp.PayerID == nil || *resp.PayerID != "bob" {
		t.Fatalf("unexpected differential payload: %+v", resp)
	}
}

func TestHandleDeliveryWebhook_UnknownTrackingAccepted(t *testing.T) {
	server := &Server{
		shippingService: &stubShippingService{webhookErr: shipping.ErrNotFound},
	}

	body := strings.NewReader(`{"carrier":"ups","trackingNumber":"1Zmissing","status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/delivery", body)
	rec := httptest.NewRecorder()

	server.handleDeliveryWebhook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestHandleOpenDispute_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		disputeService: &stubDisputeService{
			ticket: dispute.Ticket{
				ID:          "d1",
				TradeID:     "t1",
				InitiatorID: "alice",
				Status:      dispute.StatusAwaitingEvidence,
				Type:        dispute.TypeItemNotReceived,
				Deadline:    now.Add(48 * time.Hour),
				CreatedAt:   now,
			},
		},
	}

	body := `{"tradeId":"t1","type":"item-not-received","statement":"never arrived"}`
	req := authedRequest(http.MethodPost, "/api/disputes", body, "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp ticketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "d1" || resp.Status != string(dispute.StatusAwaitingEvidence) {
		t.Fatalf("unexpected ticket payload: %+v", resp)
	}
}

func TestHandleResolveDispute_ForbidNonModerator(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := `{"resolution":"full-refund","notes":"refund is warranted"}`
	req := authedRequest(http.MethodPost, "/api/disputes/d1/resolve", body, "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleSubmitRating_Conflict(t *testing.T) {
	server := &Server{
		ratingService: &stubRatingService{err: rating.ErrConflict},
	}

	body := `{"overall":5,"itemAccuracy":5,"communication":4,"shippingSpeed":4}`
	req := authedRequest(http.MethodPost, "/api/trades/t1/ratings", body, "alice", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleTradeDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestWriteServiceError_Unknown(t *testing.T) {
	server := &Server{}
	rec := httptest.NewRecorder()

	server.writeServiceError(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
