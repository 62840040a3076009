package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the ticket does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidState signals the operation is not valid for the ticket's status.
	ErrInvalidState = errors.New("dispute: invalid state")
	// ErrNotAuthorized signals the caller is not permitted to act on the ticket.
	ErrNotAuthorized = errors.New("dispute: not authorized")
	// ErrValidation signals policy-violating input, e.g. missing mandatory evidence.
	ErrValidation = errors.New("dispute: invalid input")
	// ErrConflict signals a second concurrent ticket for the same trade.
	ErrConflict = errors.New("dispute: trade already has an open ticket")
)

// Repository provides PostgreSQL access to dispute tickets and their
// mediation log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ticketColumns = `
	id, trade_id, initiator_id, status::text, dispute_type::text,
	initiator_statement, initiator_attachments,
	respondent_statement, respondent_attachments,
	resolution::text, moderator_notes, moderator_id,
	deadline, created_at, updated_at, resolved_at`

func scanTicket(row pgx.Row) (Ticket, error) {
	var (
		tk                  Ticket
		respondentStatement *string
		respondentFiles     []string
		resolution          *string
	)
	err := row.Scan(
		&tk.ID, &tk.TradeID, &tk.InitiatorID, &tk.Status, &tk.Type,
		&tk.InitiatorEvidence.Statement, &tk.InitiatorEvidence.Attachments,
		&respondentStatement, &respondentFiles,
		&resolution, &tk.ModeratorNotes, &tk.ModeratorID,
		&tk.Deadline, &tk.CreatedAt, &tk.UpdatedAt, &tk.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, fmt.Errorf("dispute: scan: %w", err)
	}
	if respondentStatement != nil {
		tk.RespondentEvidence = &Evidence{Statement: *respondentStatement, Attachments: respondentFiles}
	}
	if resolution != nil {
		r := Resolution(*resolution)
		tk.Resolution = &r
	}
	return tk, nil
}

// InsertParams enumerates the fields required to open a ticket.
type InsertParams struct {
	ID          string
	TradeID     string
	InitiatorID string
	Type        Type
	Statement   string
	Deadline    time.Time
}

// Insert creates a ticket in awaiting_evidence. The partial unique index on
// open tickets per trade turns a concurrent double-open into ErrConflict.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Ticket, error) {
	tk, err := scanTicket(tx.QueryRow(ctx, `
		INSERT INTO disputes (id, trade_id, initiator_id, dispute_type, initiator_statement, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING`+ticketColumns,
		params.ID, params.TradeID, params.InitiatorID, params.Type, params.Statement, params.Deadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Ticket{}, ErrConflict
		}
		return Ticket{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return tk, nil
}

// GetForUpdate loads the ticket under a FOR UPDATE lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, ticketID string) (Ticket, error) {
	return scanTicket(tx.QueryRow(ctx, `SELECT`+ticketColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, ticketID))
}

// Get loads a ticket without locking.
func (r *Repository) Get(ctx context.Context, ticketID string) (Ticket, error) {
	return scanTicket(r.pool.QueryRow(ctx, `SELECT`+ticketColumns+` FROM disputes WHERE id = $1`, ticketID))
}

// SetStatus moves the ticket from exactly the expected status, updating the
// next-action deadline alongside.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, ticketID string, from, to Status, deadline time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $1, deadline = $2, updated_at = get_tx_timestamp()
		WHERE id = $3 AND status = $4
	`, to, deadline, ticketID, from)
	if err != nil {
		return fmt.Errorf("dispute: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// SetInitiatorAttachments stores the initiator's evidence files.
func (r *Repository) SetInitiatorAttachments(ctx context.Context, tx pgx.Tx, ticketID string, attachments []string) error {
	if attachments == nil {
		attachments = []string{}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET initiator_attachments = $1, updated_at = get_tx_timestamp()
		WHERE id = $2
	`, attachments, ticketID); err != nil {
		return fmt.Errorf("dispute: set initiator attachments: %w", err)
	}
	return nil
}

// SetRespondentEvidence stores the respondent's statement and files.
func (r *Repository) SetRespondentEvidence(ctx context.Context, tx pgx.Tx, ticketID, statement string, attachments []string) error {
	if attachments == nil {
		attachments = []string{}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET respondent_statement = $1, respondent_attachments = $2, updated_at = get_tx_timestamp()
		WHERE id = $3
	`, statement, attachments, ticketID); err != nil {
		return fmt.Errorf("dispute: set respondent evidence: %w", err)
	}
	return nil
}

// SetResolution records the moderator's outcome and closes the ticket.
func (r *Repository) SetResolution(ctx context.Context, tx pgx.Tx, ticketID string, resolution Resolution, notes, moderatorID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = 'resolved',
		    resolution = $1,
		    moderator_notes = $2,
		    moderator_id = $3,
		    resolved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $4 AND status = 'escalated_to_moderation'
	`, resolution, notes, moderatorID, ticketID)
	if err != nil {
		return fmt.Errorf("dispute: set resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// AppendMessage adds one entry to the append-only mediation log.
func (r *Repository) AppendMessage(ctx context.Context, tx pgx.Tx, ticketID, senderID, body string) (Message, error) {
	var msg Message
	err := tx.QueryRow(ctx, `
		INSERT INTO dispute_messages (dispute_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, dispute_id, sender_id, body, created_at
	`, ticketID, senderID, body).Scan(&msg.ID, &msg.DisputeID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the mediation log in arrival order.
func (r *Repository) ListMessages(ctx context.Context, ticketID string) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, dispute_id, sender_id, body, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY id ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.DisputeID, &msg.SenderID, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

// OverdueIDs returns tickets in the given statuses whose deadline has passed.
// SKIP LOCKED keeps concurrent sweeps from fighting over the same tickets.
func (r *Repository) OverdueIDs(ctx context.Context, tx pgx.Tx, now time.Time, statuses []Status, limit int) ([]string, error) {
	texts := make([]string, len(statuses))
	for i, s := range statuses {
		texts[i] = string(s)
	}
	rows, err := tx.Query(ctx, `
		SELECT id FROM disputes
		WHERE deadline < $1 AND status::text = ANY($2)
		ORDER BY deadline ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, now, texts, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: overdue: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan overdue: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate overdue: %w", err)
	}
	return ids, nil
}

// LinkTrade back-references the ticket from its trade row.
func (r *Repository) LinkTrade(ctx context.Context, tx pgx.Tx, tradeID, ticketID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE trades
		SET dispute_ticket_id = $1, updated_at = get_tx_timestamp()
		WHERE id = $2
	`, ticketID, tradeID); err != nil {
		return fmt.Errorf("dispute: link trade: %w", err)
	}
	return nil
}

// UserRole reads a user's role for moderator authorization.
func (r *Repository) UserRole(ctx context.Context, tx pgx.Tx, userID string) (string, error) {
	var role string
	if err := tx.QueryRow(ctx, `SELECT role::text FROM users WHERE id = $1`, userID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dispute: user role: %w", err)
	}
	return role, nil
}
