package trade

// transitions is the authoritative edge set of the trade state machine.
// Acceptance forks on whether cash changes hands: straight to
// shipping_pending when no escrow is needed, through payment_pending when it
// is. Disputes may open from delivered_awaiting_verification or completed.
var transitions = map[Status][]Status{
	StatusPendingAcceptance: {
		StatusPaymentPending,
		StatusShippingPending,
		StatusRejected,
		StatusCancelled,
		StatusCountered,
	},
	StatusPaymentPending:  {StatusEscrowFunded},
	StatusEscrowFunded:    {StatusShippingPending, StatusInTransit},
	StatusShippingPending: {StatusInTransit},
	StatusInTransit:       {StatusDeliveredAwaiting},
	StatusDeliveredAwaiting: {
		StatusCompletedAwaitingRating,
		StatusDisputeOpened,
	},
	StatusCompletedAwaitingRating: {StatusCompleted},
	StatusCompleted:               {StatusDisputeOpened},
	StatusDisputeOpened:           {StatusDisputeResolved},
	StatusDisputeResolved:         {StatusCompleted},
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave the status.
// countered is terminal for the original trade; the counter-offer continues
// as its own trade.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Disputable reports whether a dispute ticket may be opened against a trade
// in this status.
func Disputable(s Status) bool {
	return s == StatusDeliveredAwaiting || s == StatusCompleted
}
