package rating

import "time"

// Scores holds the four 1-5 axes of a trade rating.
type Scores struct {
	Overall       int
	ItemAccuracy  int
	Communication int
	ShippingSpeed int
}

// Valid reports whether every axis is within 1..5.
func (sc Scores) Valid() bool {
	for _, v := range []int{sc.Overall, sc.ItemAccuracy, sc.Communication, sc.ShippingSpeed} {
		if v < 1 || v > 5 {
			return false
		}
	}
	return true
}

// Rating mirrors the trade_ratings table. A rating stays hidden from the
// counterparty until both sides have rated or the window expires, so neither
// party can tailor their score to the other's.
type Rating struct {
	ID              string
	TradeID         string
	RaterID         string
	RateeID         string
	Scores          Scores
	PublicComment   string
	PrivateFeedback string
	Revealed        bool
	CreatedAt       time.Time
}

// Summary aggregates a user's received, revealed ratings.
type Summary struct {
	Count          int64
	AverageOverall float64
}
