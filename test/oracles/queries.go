package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the standing invariants checked throughout a stress run. Each
// query selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_value_conservation",
			SQL: `SELECT trade_id, SUM(amount) FROM ledger_entries
                  WHERE trade_id IS NOT NULL
                  GROUP BY trade_id HAVING SUM(amount) <> 0`,
		},
		{
			Name: "O2_no_negative_balance",
			SQL:  `SELECT id, cash_balance FROM users WHERE cash_balance < 0`,
		},
		{
			Name: "O3_item_in_one_open_trade",
			SQL: `SELECT ti.item_id, COUNT(*) FROM trade_items ti
                  JOIN trades t ON t.id = ti.trade_id
                  WHERE t.status IN ('pending_acceptance','payment_pending','escrow_funded',
                                     'shipping_pending','in_transit','delivered_awaiting_verification',
                                     'dispute_opened')
                  GROUP BY ti.item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_event_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT trade_id, seq,
                             LAG(seq) OVER (PARTITION BY trade_id ORDER BY seq) AS prev
                      FROM trade_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O5_reveal_atomic",
			SQL: `SELECT trade_id FROM trade_ratings
                  GROUP BY trade_id
                  HAVING bool_or(revealed) <> bool_and(revealed)`,
		},
		{
			Name: "O6_single_open_dispute",
			SQL: `SELECT trade_id, COUNT(*) FROM disputes
                  WHERE status NOT IN ('resolved','closed_automatically')
                  GROUP BY trade_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_resolution_recorded",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved'
                    AND (resolution IS NULL OR moderator_id IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O8_hold_consumed_after_settlement",
			SQL: `SELECT h.trade_id, h.status, t.status FROM escrow_holds h
                  JOIN trades t ON t.id = h.trade_id
                  WHERE t.status IN ('completed_awaiting_rating','completed','dispute_resolved')
                    AND h.status = 'held'`,
		},
		{
			Name: "O9_hold_settled_has_timestamp",
			SQL:  `SELECT trade_id FROM escrow_holds WHERE status <> 'held' AND settled_at IS NULL`,
		},
		{
			Name: "O10_outbox_liveness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
