package trade

import "time"

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPendingAcceptance       Status = "pending_acceptance"
	StatusCountered               Status = "countered"
	StatusRejected                Status = "rejected"
	StatusCancelled               Status = "cancelled"
	StatusPaymentPending          Status = "payment_pending"
	StatusEscrowFunded            Status = "escrow_funded"
	StatusShippingPending         Status = "shipping_pending"
	StatusInTransit               Status = "in_transit"
	StatusDeliveredAwaiting       Status = "delivered_awaiting_verification"
	StatusCompletedAwaitingRating Status = "completed_awaiting_rating"
	StatusCompleted               Status = "completed"
	StatusDisputeOpened           Status = "dispute_opened"
	StatusDisputeResolved         Status = "dispute_resolved"
)

// Side identifies which party of a trade an item or flag belongs to.
type Side string

const (
	SideProposer Side = "proposer"
	SideReceiver Side = "receiver"
)

// Trade mirrors the trades table. Offer contents are immutable after
// creation; counter-offers create a new trade referencing this one.
type Trade struct {
	ID              string
	ProposerID      string
	ReceiverID      string
	ProposerItemIDs []string
	ReceiverItemIDs []string
	ProposerCash    int64
	ReceiverCash    int64
	Status          Status
	ParentTradeID   *string
	DisputeTicketID *string

	ProposerTrackingNumber    *string
	ReceiverTrackingNumber    *string
	ProposerSubmittedTracking bool
	ReceiverSubmittedTracking bool
	ProposerVerified          bool
	ReceiverVerified          bool

	ProposerRated  bool
	ReceiverRated  bool
	RatingDeadline *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsParty reports whether the user is one of the trade's two parties.
func (t Trade) IsParty(userID string) bool {
	return userID == t.ProposerID || userID == t.ReceiverID
}

// SideOf returns which side of the trade the user is on. IsParty must hold.
func (t Trade) SideOf(userID string) Side {
	if userID == t.ProposerID {
		return SideProposer
	}
	return SideReceiver
}

// OtherParty returns the counterparty of the given user.
func (t Trade) OtherParty(userID string) string {
	if userID == t.ProposerID {
		return t.ReceiverID
	}
	return t.ProposerID
}

// CashChangesHands reports whether either side declared cash, which decides
// whether the escrow step is needed at acceptance.
func (t Trade) CashChangesHands() bool {
	return t.ProposerCash > 0 || t.ReceiverCash > 0
}

// ProposeParams carries the offer terms for a new trade. ID is assigned by
// the service before insert.
type ProposeParams struct {
	ID              string
	ProposerID      string
	ReceiverID      string
	ProposerItemIDs []string
	ReceiverItemIDs []string
	ProposerCash    int64
	ReceiverCash    int64
	ParentTradeID   *string
}

// RespondAction is the receiver's (or proposer's, for cancel) answer to a
// pending trade.
type RespondAction string

const (
	ActionAccept RespondAction = "accept"
	ActionReject RespondAction = "reject"
	ActionCancel RespondAction = "cancel"
)

// Event types appended to the trade_events log.
const (
	EventTradeProposed   = "TRADE_PROPOSED"
	EventTradeAccepted   = "TRADE_ACCEPTED"
	EventTradeRejected   = "TRADE_REJECTED"
	EventTradeCancelled  = "TRADE_CANCELLED"
	EventTradeCountered  = "TRADE_COUNTERED"
	EventEscrowFunded    = "ESCROW_FUNDED"
	EventTrackingLogged  = "TRACKING_SUBMITTED"
	EventShipmentArrived = "SHIPMENT_DELIVERED"
	EventDelivered       = "DELIVERED"
	EventPartyVerified   = "SATISFACTION_VERIFIED"
	EventTradeSettled    = "TRADE_SETTLED"
	EventDisputeOpened   = "DISPUTE_OPENED"
	EventDisputeResolved = "DISPUTE_RESOLVED"
	EventRatingSubmitted = "RATING_SUBMITTED"
	EventRatingsRevealed = "RATINGS_REVEALED"
	EventTradeCompleted  = "TRADE_COMPLETED"
)
