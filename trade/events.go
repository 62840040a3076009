package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one append-only business event on a trade, ordered by Seq.
type Event struct {
	ID        int64
	TradeID   string
	Seq       int
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

// EventLog appends to the trade_events table. Sequence numbers are assigned
// under the caller's trade row lock, so they are gapless and monotonic per
// trade.
type EventLog struct {
	pool *pgxpool.Pool
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Append writes one event inside the caller's transaction.
func (l *EventLog) Append(ctx context.Context, tx pgx.Tx, tradeID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("trade: marshal event payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO trade_events (trade_id, seq, type, actor_id, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM trade_events WHERE trade_id = $1), $2, $3, $4::jsonb)
	`, tradeID, eventType, actor, body); err != nil {
		return fmt.Errorf("trade: append event: %w", err)
	}
	return nil
}

// History returns a trade's events in sequence order.
func (l *EventLog) History(ctx context.Context, tradeID string) ([]Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, trade_id, seq, type, actor_id, payload, created_at
		FROM trade_events
		WHERE trade_id = $1
		ORDER BY seq ASC
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("trade: event history: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("trade: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade: iterate events: %w", err)
	}
	return out, nil
}
