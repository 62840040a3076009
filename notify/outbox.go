package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending notification drained from the outbox.
type Message struct {
	ID          string
	Topic       string
	RecipientID *string
	TradeID     *string
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
}

// Outbox writes notification rows in the same transaction as the state
// transition they announce, so a transition and its notification commit or
// roll back together. Delivery happens later in the dispatcher and can never
// fail the originating transition.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue records a notification for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic, recipientID, tradeID string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("notify: empty topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	var recipient, trade any
	if recipientID != "" {
		recipient = recipientID
	}
	if tradeID != "" {
		trade = tradeID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, recipient_id, trade_id, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, topic, recipient, trade, body); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// claimBatch locks up to limit pending messages for this dispatcher pass.
func claimBatch(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, recipient_id, trade_id, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim batch: %w", err)
	}
	defer rows.Close()

	batch := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.RecipientID, &m.TradeID, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate batch: %w", err)
	}
	return batch, nil
}

func markProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id)
	return err
}

func markFailed(ctx context.Context, tx pgx.Tx, id string, attempts, maxAttempts int) error {
	status := "pending"
	if attempts+1 >= maxAttempts {
		status = "dead"
	}
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = $1::outbox_status, attempts = attempts + 1 WHERE id = $2`, status, id)
	return err
}

// Pending counts undelivered messages, used by tests and health checks.
func Pending(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("notify: count pending: %w", err)
	}
	return n, nil
}
