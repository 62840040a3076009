package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"tradeflow/trade"
)

const sweepBatchSize = 100

// SweepResult reports what one deadline pass did.
type SweepResult struct {
	Closed    int
	Escalated int
}

// RunDeadlineSweep advances tickets whose window lapsed. An initiator who
// never files evidence forfeits the dispute: the ticket closes automatically
// and the trade proceeds as if upheld. Lapsed response or mediation windows
// escalate to moderation instead, so a silent respondent cannot stall a claim.
func (s *Service) RunDeadlineSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("dispute: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()

	abandoned, err := s.repo.OverdueIDs(ctx, tx, now, []Status{StatusAwaitingEvidence}, sweepBatchSize)
	if err != nil {
		return res, err
	}
	for _, id := range abandoned {
		if err := s.closeAbandoned(ctx, tx, id); err != nil {
			return res, err
		}
		res.Closed++
	}

	stalled, err := s.repo.OverdueIDs(ctx, tx, now, []Status{StatusAwaitingResponse, StatusInMediation}, sweepBatchSize)
	if err != nil {
		return res, err
	}
	for _, id := range stalled {
		tk, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return res, err
		}
		if err := s.repo.SetStatus(ctx, tx, tk.ID, tk.Status, StatusEscalated, now.Add(ModerationWindow)); err != nil {
			return res, err
		}
		res.Escalated++
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("dispute: commit sweep: %w", err)
	}
	return res, nil
}

func (s *Service) closeAbandoned(ctx context.Context, tx pgx.Tx, ticketID string) error {
	tk, err := s.repo.GetForUpdate(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, tx, tk.ID, tk.Status, StatusClosedAutomatically, s.now()); err != nil {
		return err
	}

	t, err := s.trades.GetForUpdate(ctx, tx, tk.TradeID)
	if err != nil {
		return err
	}
	if t.Status == trade.StatusDisputeOpened {
		if err := s.trades.SetStatus(ctx, tx, t.ID, trade.StatusDisputeOpened, trade.StatusDisputeResolved); err != nil {
			return err
		}
	}
	if t.ProposerVerified && t.ReceiverVerified {
		if err := s.trades.OpenRatingWindow(ctx, tx, t.ID, s.now().Add(RatingWindow)); err != nil {
			return err
		}
	} else {
		if err := s.settler.Settle(ctx, tx, t); err != nil {
			return err
		}
	}

	payload := map[string]any{"ticket_id": tk.ID, "reason": "evidence_deadline_missed"}
	if err := s.events.Append(ctx, tx, t.ID, trade.EventDisputeResolved, "", payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.closed", tk.InitiatorID, t.ID, payload); err != nil {
		return err
	}
	return nil
}

// SweepLoop runs RunDeadlineSweep on a fixed interval until the context ends.
func (s *Service) SweepLoop(ctx context.Context, log *logrus.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.RunDeadlineSweep(ctx)
			if err != nil {
				log.WithError(err).Error("dispute deadline sweep failed")
				continue
			}
			if res.Closed > 0 || res.Escalated > 0 {
				log.WithFields(logrus.Fields{
					"closed":    res.Closed,
					"escalated": res.Escalated,
				}).Info("dispute deadline sweep advanced tickets")
			}
		}
	}
}
