package dispute

import "time"

// Status represents the lifecycle of a dispute ticket.
type Status string

const (
	StatusAwaitingEvidence    Status = "awaiting_evidence"
	StatusAwaitingResponse    Status = "awaiting_response"
	StatusInMediation         Status = "in_mediation"
	StatusEscalated           Status = "escalated_to_moderation"
	StatusResolved            Status = "resolved"
	StatusClosedAutomatically Status = "closed_automatically"
)

// Terminal reports whether the ticket can no longer change.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosedAutomatically
}

// Type is the closed set of dispute categories.
type Type string

const (
	TypeItemNotReceived Type = "item-not-received"
	TypeNotAsDescribed  Type = "significantly-not-as-described"
	TypeCounterfeit     Type = "counterfeit"
	TypeShippingDamage  Type = "shipping-damage"
)

// ValidType reports membership in the closed dispute-type set.
func ValidType(t Type) bool {
	switch t {
	case TypeItemNotReceived, TypeNotAsDescribed, TypeCounterfeit, TypeShippingDamage:
		return true
	}
	return false
}

// Resolution is the moderator's decided outcome.
type Resolution string

const (
	ResolutionTradeUpheld   Resolution = "trade-upheld"
	ResolutionFullRefund    Resolution = "full-refund"
	ResolutionPartialRefund Resolution = "partial-refund"
	ResolutionTradeReversal Resolution = "trade-reversal"
)

// ValidResolution reports membership in the closed resolution set.
func ValidResolution(r Resolution) bool {
	switch r {
	case ResolutionTradeUpheld, ResolutionFullRefund, ResolutionPartialRefund, ResolutionTradeReversal:
		return true
	}
	return false
}

// Evidence bundles a party's statement with its attachment references.
type Evidence struct {
	Statement   string
	Attachments []string
}

// Ticket mirrors the disputes table. At most one non-terminal ticket exists
// per trade, enforced by a partial unique index.
type Ticket struct {
	ID                 string
	TradeID            string
	InitiatorID        string
	Status             Status
	Type               Type
	InitiatorEvidence  Evidence
	RespondentEvidence *Evidence
	Resolution         *Resolution
	ModeratorNotes     *string
	ModeratorID        *string
	Deadline           time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         *time.Time
}

// Message is one append-only mediation log entry.
type Message struct {
	ID        int64
	DisputeID string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// Deadlines for each phase of the workflow.
const (
	EvidenceWindow   = 48 * time.Hour
	ResponseWindow   = 72 * time.Hour
	MediationWindow  = 7 * 24 * time.Hour
	ModerationWindow = 7 * 24 * time.Hour
)

// MinModeratorNotes is the shortest acceptable resolution note.
const MinModeratorNotes = 10
