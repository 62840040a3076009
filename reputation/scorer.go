package reputation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Deltas are the per-party adjustments derived from a settled trade's value
// asymmetry.
type Deltas struct {
	ProposerReputation int
	ReceiverReputation int
	ProposerSurplus    int64
	ReceiverSurplus    int64
}

// Score derives reputation and net-surplus deltas from the two sides' total
// offered value (item estimates plus declared cash).
//
// A proposer whose total exceeds 1.2x the receiver's is treated as having
// overvalued their side and takes a -10 hit while the receiver gains +1;
// otherwise both gain +1. The rule is deliberately one-directional: it never
// penalizes the receiver for lowballing.
func Score(proposerTotal, receiverTotal int64) Deltas {
	d := Deltas{
		ProposerReputation: 1,
		ReceiverReputation: 1,
		ProposerSurplus:    receiverTotal - proposerTotal,
		ReceiverSurplus:    proposerTotal - receiverTotal,
	}
	// proposerTotal > receiverTotal * 1.2, kept in integer math.
	if proposerTotal*5 > receiverTotal*6 {
		d.ProposerReputation = -10
	}
	return d
}

// Applier writes reputation and surplus deltas inside the settlement
// transaction.
type Applier struct{}

func NewApplier() *Applier {
	return &Applier{}
}

// Apply adjusts one user's reputation score and cumulative net trade surplus.
func (a *Applier) Apply(ctx context.Context, tx pgx.Tx, userID string, reputationDelta int, surplusDelta int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET reputation = reputation + $1,
		    net_trade_surplus = net_trade_surplus + $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $3
	`, reputationDelta, surplusDelta, userID)
	if err != nil {
		return fmt.Errorf("reputation: apply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reputation: user %s not found", userID)
	}
	return nil
}
