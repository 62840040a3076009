package main

import (
	"encoding/json"
	"time"

	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/rating"
	"tradeflow/trade"
)

type userResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	FullName        string `json:"fullName"`
	Role            string `json:"role"`
	CashBalance     int64  `json:"cashBalance"`
	Reputation      int    `json:"reputation"`
	NetTradeSurplus int64  `json:"netTradeSurplus"`
	CreatedAt       string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		FullName:        u.FullName,
		Role:            string(u.Role),
		CashBalance:     u.CashBalance,
		Reputation:      u.Reputation,
		NetTradeSurplus: u.NetTradeSurplus,
		CreatedAt:       u.CreatedAt.Format(time.RFC3339),
	}
}

type tradeResponse struct {
	ID               string   `json:"id"`
	ProposerID       string   `json:"proposerId"`
	ReceiverID       string   `json:"receiverId"`
	ProposerItemIDs  []string `json:"proposerItemIds"`
	ReceiverItemIDs  []string `json:"receiverItemIds"`
	ProposerCash     int64    `json:"proposerCash"`
	ReceiverCash     int64    `json:"receiverCash"`
	Status           string   `json:"status"`
	ParentTradeID    *string  `json:"parentTradeId,omitempty"`
	DisputeTicketID  *string  `json:"disputeTicketId,omitempty"`
	ProposerVerified bool     `json:"proposerVerified"`
	ReceiverVerified bool     `json:"receiverVerified"`
	ProposerRated    bool     `json:"proposerRated"`
	ReceiverRated    bool     `json:"receiverRated"`
	RatingDeadline   *string  `json:"ratingDeadline,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

func toTradeResponse(t trade.Trade) tradeResponse {
	resp := tradeResponse{
		ID:               t.ID,
		ProposerID:       t.ProposerID,
		ReceiverID:       t.ReceiverID,
		ProposerItemIDs:  t.ProposerItemIDs,
		ReceiverItemIDs:  t.ReceiverItemIDs,
		ProposerCash:     t.ProposerCash,
		ReceiverCash:     t.ReceiverCash,
		Status:           string(t.Status),
		ParentTradeID:    t.ParentTradeID,
		DisputeTicketID:  t.DisputeTicketID,
		ProposerVerified: t.ProposerVerified,
		ReceiverVerified: t.ReceiverVerified,
		ProposerRated:    t.ProposerRated,
		ReceiverRated:    t.ReceiverRated,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
	if t.RatingDeadline != nil {
		deadline := t.RatingDeadline.Format(time.RFC3339)
		resp.RatingDeadline = &deadline
	}
	return resp
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func toEventResponse(ev trade.Event) eventResponse {
	return eventResponse{
		Seq:       ev.Seq,
		Type:      ev.Type,
		ActorID:   ev.ActorID,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
}

type differentialResponse struct {
	Amount      int64   `json:"amount"`
	PayerID     *string `json:"payerId,omitempty"`
	Description string  `json:"description"`
}

type ticketResponse struct {
	ID             string   `json:"id"`
	TradeID        string   `json:"tradeId"`
	InitiatorID    string   `json:"initiatorId"`
	Status         string   `json:"status"`
	Type           string   `json:"type"`
	Statement      string   `json:"statement"`
	Attachments    []string `json:"attachments,omitempty"`
	Resolution     *string  `json:"resolution,omitempty"`
	ModeratorNotes *string  `json:"moderatorNotes,omitempty"`
	Deadline       string   `json:"deadline"`
	CreatedAt      string   `json:"createdAt"`
}

func toTicketResponse(tk dispute.Ticket) ticketResponse {
	resp := ticketResponse{
		ID:             tk.ID,
		TradeID:        tk.TradeID,
		InitiatorID:    tk.InitiatorID,
		Status:         string(tk.Status),
		Type:           string(tk.Type),
		Statement:      tk.InitiatorEvidence.Statement,
		Attachments:    tk.InitiatorEvidence.Attachments,
		ModeratorNotes: tk.ModeratorNotes,
		Deadline:       tk.Deadline.Format(time.RFC3339),
		CreatedAt:      tk.CreatedAt.Format(time.RFC3339),
	}
	if tk.Resolution != nil {
		resolution := string(*tk.Resolution)
		resp.Resolution = &resolution
	}
	return resp
}

type messageResponse struct {
	ID        int64  `json:"id"`
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

type ratingResponse struct {
	ID            string `json:"id"`
	TradeID       string `json:"tradeId"`
	RaterID       string `json:"raterId"`
	RateeID       string `json:"rateeId"`
	Overall       int    `json:"overall"`
	ItemAccuracy  int    `json:"itemAccuracy"`
	Communication int    `json:"communication"`
	ShippingSpeed int    `json:"shippingSpeed"`
	PublicComment string `json:"publicComment,omitempty"`
	Revealed      bool   `json:"revealed"`
	CreatedAt     string `json:"createdAt"`
}

func toRatingResponse(rt rating.Rating) ratingResponse {
	return ratingResponse{
		ID:            rt.ID,
		TradeID:       rt.TradeID,
		RaterID:       rt.RaterID,
		RateeID:       rt.RateeID,
		Overall:       rt.Scores.Overall,
		ItemAccuracy:  rt.Scores.ItemAccuracy,
		Communication: rt.Scores.Communication,
		ShippingSpeed: rt.Scores.ShippingSpeed,
		PublicComment: rt.PublicComment,
		Revealed:      rt.Revealed,
		CreatedAt:     rt.CreatedAt.Format(time.RFC3339),
	}
}
