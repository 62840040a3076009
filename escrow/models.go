package escrow

// Differential describes the net cash that must change hands to settle a
// trade as declared. A nil PayerID means no payment is required; Amount may
// still carry the informational value gap between the two sides.
type Differential struct {
	Amount      int64
	PayerID     *string
	Description string
}

// ComputeDifferential derives the cash differential from the declared offers.
// Only a side that explicitly added cash is ever the payer; when both sides
// declared cash the amounts net against each other. With no declared cash the
// result is informational: the absolute value gap between the two totals.
func ComputeDifferential(proposerID, receiverID string, proposerTotal, receiverTotal, proposerCash, receiverCash int64) Differential {
	if proposerCash == 0 && receiverCash == 0 {
		gap := proposerTotal - receiverTotal
		if gap < 0 {
			gap = -gap
		}
		return Differential{
			Amount:      gap,
			Description: "balanced offer, no cash payment required",
		}
	}

	net := proposerCash - receiverCash
	switch {
	case net > 0:
		return Differential{
			Amount:      net,
			PayerID:     &proposerID,
			Description: "proposer pays the net declared cash",
		}
	case net < 0:
		return Differential{
			Amount:      -net,
			PayerID:     &receiverID,
			Description: "receiver pays the net declared cash",
		}
	default:
		return Differential{
			Description: "declared cash nets to zero, no payment required",
		}
	}
}
