package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/ledger"
	"tradeflow/rating"
	"tradeflow/shipping"
	"tradeflow/trade"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authAPI interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type tradeAPI interface {
	Propose(ctx context.Context, params trade.ProposeParams) (trade.Trade, error)
	Respond(ctx context.Context, tradeID, callerID string, action trade.RespondAction) (trade.Trade, error)
	CounterOffer(ctx context.Context, originalTradeID, callerID string, terms trade.ProposeParams) (trade.Trade, error)
}

type tradeReader interface {
	Get(ctx context.Context, tradeID string) (trade.Trade, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]trade.Trade, error)
}

type eventReader interface {
	History(ctx context.Context, tradeID string) ([]trade.Event, error)
}

type escrowAPI interface {
	ComputeCashDifferential(ctx context.Context, tradeID string) (escrow.Differential, error)
	FundEscrow(ctx context.Context, tradeID, payerID string) (trade.Trade, error)
}

type shippingAPI interface {
	SubmitTracking(ctx context.Context, tradeID, userID, trackingNumber string) (trade.Trade, error)
	VerifySatisfaction(ctx context.Context, tradeID, userID string) (trade.Trade, error)
	HandleDeliveryEvent(ctx context.Context, ev shipping.DeliveryEvent) error
}

type disputeAPI interface {
	Open(ctx context.Context, tradeID, initiatorID string, disputeType dispute.Type, statement string) (dispute.Ticket, error)
	SubmitEvidence(ctx context.Context, ticketID, callerID string, attachments []string) (dispute.Ticket, error)
	SubmitResponse(ctx context.Context, ticketID, callerID, statement string, attachments []string) (dispute.Ticket, error)
	SendMediationMessage(ctx context.Context, ticketID, senderID, text string) (dispute.Message, error)
	Escalate(ctx context.Context, ticketID, callerID string) (dispute.Ticket, error)
	Resolve(ctx context.Context, ticketID string, resolution dispute.Resolution, notes, moderatorID string) (dispute.Ticket, error)
}

type ratingAPI interface {
	Submit(ctx context.Context, tradeID, raterID string, sc rating.Scores, publicComment, privateFeedback string) (rating.Rating, error)
	RatingsFor(ctx context.Context, tradeID string) ([]rating.Rating, error)
}

// Server is the HTTP surface over the domain services.
type Server struct {
	authService     authAPI
	tradeService    tradeAPI
	trades          tradeReader
	events          eventReader
	escrowService   escrowAPI
	shippingService shippingAPI
	disputeService  disputeAPI
	ratingService   ratingAPI
	log             *logrus.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/webhooks/delivery", s.handleDeliveryWebhook)
	mux.HandleFunc("/api/trades", s.requireAuth(s.handleTrades))
	mux.HandleFunc("/api/trades/", s.requireAuth(s.handleTradeDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	return mux
}

// requireAuth validates the bearer token and stashes the caller's identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

// --- trades ---

type proposeRequest struct {
	ReceiverID       string   `json:"receiverId"`
	OfferedItemIDs   []string `json:"offeredItemIds"`
	RequestedItemIDs []string `json:"requestedItemIds"`
	OfferedCash      int64    `json:"offeredCash"`
	RequestedCash    int64    `json:"requestedCash"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		trades, err := s.trades.ListForUser(r.Context(), callerID(r), 100)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]tradeResponse, 0, len(trades))
		for _, t := range trades {
			items = append(items, toTradeResponse(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	case http.MethodPost:
		var req proposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		t, err := s.tradeService.Propose(r.Context(), trade.ProposeParams{
			ProposerID:      callerID(r),
			ReceiverID:      req.ReceiverID,
			ProposerItemIDs: req.OfferedItemIDs,
			ReceiverItemIDs: req.RequestedItemIDs,
			ProposerCash:    req.OfferedCash,
			ReceiverCash:    req.RequestedCash,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toTradeResponse(t))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTradeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/trades/")
	tradeID, action, _ := strings.Cut(rest, "/")
	if tradeID == "" {
		writeError(w, http.StatusBadRequest, "trade id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetTrade(w, r, tradeID)
	case action == "events" && r.Method == http.MethodGet:
		s.handleTradeEvents(w, r, tradeID)
	case action == "differential" && r.Method == http.MethodGet:
		s.handleDifferential(w, r, tradeID)
	case action == "ratings" && r.Method == http.MethodGet:
		s.handleListRatings(w, r, tradeID)
	case action == "respond" && r.Method == http.MethodPost:
		s.handleRespond(w, r, tradeID)
	case action == "counter" && r.Method == http.MethodPost:
		s.handleCounter(w, r, tradeID)
	case action == "fund" && r.Method == http.MethodPost:
		s.handleFund(w, r, tradeID)
	case action == "tracking" && r.Method == http.MethodPost:
		s.handleTracking(w, r, tradeID)
	case action == "verify" && r.Method == http.MethodPost:
		s.handleVerify(w, r, tradeID)
	case action == "ratings" && r.Method == http.MethodPost:
		s.handleSubmitRating(w, r, tradeID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request, tradeID string) {
	t, err := s.trades.Get(r.Context(), tradeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !t.IsParty(callerID(r)) {
		writeError(w, http.StatusForbidden, "not a party to this trade")
		return
	}
	writeJSON(w, http.StatusOK, toTradeResponse(t))
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, r *http.Request, tradeID string) {
	t, err := s.trades.Get(r.Context(), tradeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !t.IsParty(callerID(r)) {
		writeError(w, http.StatusForbidden, "not a party to this trade")
		return
	}
	events, err := s.events.History(r.Context(), tradeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDifferential(w http.ResponseWriter, r *http.Request, tradeID string) {
	diff, err := s.escrowService.ComputeCashDifferential(r.Context(), tradeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, differentialResponse{
		Amount:      diff.Amount,
		PayerID:     diff.PayerID,
		Description: diff.Description,
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, tradeID string) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.tradeService.Respond(r.Context(), tradeID, callerID(r), trade.RespondAction(req.Action))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeResponse(t))
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request, tradeID string) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.tradeService.CounterOffer(r.Context(), tradeID, callerID(r), trade.ProposeParams{
		ProposerItemIDs: req.OfferedItemIDs,
		ReceiverItemIDs: req.RequestedItemIDs,
		ProposerCash:    req.OfferedCash,
		ReceiverCash:    req.RequestedCash,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTradeResponse(t))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request, tradeID string) {
	t, err := s.escrowService.FundEscrow(r.Context(), tradeID, callerID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeResponse(t))
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request, tradeID string) {
	var req struct {
		TrackingNumber string `json:"trackingNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.shippingService.SubmitTracking(r.Context(), tradeID, callerID(r), req.TrackingNumber)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeResponse(t))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, tradeID string) {
	t, err := s.shippingService.VerifySatisfaction(r.Context(), tradeID, callerID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeResponse(t))
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request, tradeID string) {
	var req struct {
		Overall         int    `json:"overall"`
		ItemAccuracy    int    `json:"itemAccuracy"`
		Communication   int    `json:"communication"`
		ShippingSpeed   int    `json:"shippingSpeed"`
		PublicComment   string `json:"publicComment"`
		PrivateFeedback string `json:"privateFeedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rt, err := s.ratingService.Submit(r.Context(), tradeID, callerID(r), rating.Scores{
		Overall:       req.Overall,
		ItemAccuracy:  req.ItemAccuracy,
		Communication: req.Communication,
		ShippingSpeed: req.ShippingSpeed,
	}, req.PublicComment, req.PrivateFeedback)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRatingResponse(rt))
}

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request, tradeID string) {
	ratings, err := s.ratingService.RatingsFor(r.Context(), tradeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]ratingResponse, 0, len(ratings))
	for _, rt := range ratings {
		items = append(items, toRatingResponse(rt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// --- shipping webhook ---

func (s *Server) handleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Carrier        string    `json:"carrier"`
		TrackingNumber string    `json:"trackingNumber"`
		Status         string    `json:"status"`
		Timestamp      time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.shippingService.HandleDeliveryEvent(r.Context(), shipping.DeliveryEvent{
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Status:         req.Status,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		// Carrier webhooks retry on non-2xx; unknown tracking numbers are
		// acknowledged so stale notifications don't loop forever.
		if errors.Is(err, shipping.ErrNotFound) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- disputes ---

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TradeID   string `json:"tradeId"`
		Type      string `json:"type"`
		Statement string `json:"statement"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tk, err := s.disputeService.Open(r.Context(), req.TradeID, callerID(r), dispute.Type(req.Type), req.Statement)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTicketResponse(tk))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	ticketID, action, _ := strings.Cut(rest, "/")
	if ticketID == "" || r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "dispute id and action are required")
		return
	}

	switch action {
	case "evidence":
		var req struct {
			Attachments []string `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tk, err := s.disputeService.SubmitEvidence(r.Context(), ticketID, callerID(r), req.Attachments)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTicketResponse(tk))
	case "response":
		var req struct {
			Statement   string   `json:"statement"`
			Attachments []string `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tk, err := s.disputeService.SubmitResponse(r.Context(), ticketID, callerID(r), req.Statement, req.Attachments)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTicketResponse(tk))
	case "messages":
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.disputeService.SendMediationMessage(r.Context(), ticketID, callerID(r), req.Text)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, messageResponse{
			ID:        msg.ID,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
	case "escalate":
		tk, err := s.disputeService.Escalate(r.Context(), ticketID, callerID(r))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTicketResponse(tk))
	case "resolve":
		role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
		if role != auth.RoleModerator {
			writeError(w, http.StatusForbidden, "moderator role required")
			return
		}
		var req struct {
			Resolution string `json:"resolution"`
			Notes      string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tk, err := s.disputeService.Resolve(r.Context(), ticketID, dispute.Resolution(req.Resolution), req.Notes, callerID(r))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTicketResponse(tk))
	default:
		writeError(w, http.StatusBadRequest, "unknown dispute action")
	}
}

// --- error mapping ---

var notFoundErrs = []error{
	trade.ErrNotFound, escrow.ErrNotFound, shipping.ErrNotFound,
	dispute.ErrNotFound, rating.ErrNotFound, ledger.ErrNotFound,
	auth.ErrUserNotFound,
}

var forbiddenErrs = []error{
	trade.ErrNotAuthorized, escrow.ErrNotAuthorized, shipping.ErrNotAuthorized,
	dispute.ErrNotAuthorized, rating.ErrNotAuthorized, trade.ErrItemNotOwned,
}

var conflictErrs = []error{
	trade.ErrInvalidState, escrow.ErrInvalidState, shipping.ErrInvalidState,
	dispute.ErrInvalidState, rating.ErrInvalidState, dispute.ErrConflict,
	rating.ErrConflict, trade.ErrItemUnavailable, ledger.ErrHoldSettled,
}

var badRequestErrs = []error{
	shipping.ErrValidation, dispute.ErrValidation, rating.ErrValidation,
	trade.ErrInsufficientFunds, escrow.ErrInsufficientFunds,
	ledger.ErrInsufficientFunds, auth.ErrWeakPassword,
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	for _, sentinel := range notFoundErrs {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	for _, sentinel := range forbiddenErrs {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	}
	for _, sentinel := range conflictErrs {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	for _, sentinel := range badRequestErrs {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	default:
		if s.log != nil {
			s.log.WithError(err).Error("unhandled service error")
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
