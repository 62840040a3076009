package ledger

import "time"

// Hold mirrors the escrow_holds table.
type Hold struct {
	TradeID   string
	PayerID   string
	PayeeID   string
	Amount    int64
	Status    HoldStatus
	CreatedAt time.Time
	SettledAt *time.Time
}

// HoldStatus is the lifecycle of an escrow hold.
type HoldStatus string

const (
	HoldStatusHeld     HoldStatus = "held"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusRefunded HoldStatus = "refunded"
	HoldStatusSplit    HoldStatus = "split"
)

// Entry is one append-only ledger row. Per trade the signed amounts sum to
// zero across all accounts.
type Entry struct {
	ID        int64
	TradeID   *string
	Account   string
	EntryType string
	Amount    int64
	CreatedAt time.Time
}
