package rating

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"tradeflow/trade"
)

const sweepBatchSize = 100

// RunExpirySweep closes lapsed rating windows. A single submitted rating is
// revealed even though the counterparty never rated; with zero ratings the
// trade simply completes. Running the sweep twice over the same trade is a
// no-op because the status transition only fires once.
func (s *Service) RunExpirySweep(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("rating: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids, err := s.repo.DueTradeIDs(ctx, tx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var closed int
	for _, id := range ids {
		if err := s.expireWindow(ctx, tx, id); err != nil {
			return closed, err
		}
		closed++
	}

	if err := tx.Commit(ctx); err != nil {
		return closed, fmt.Errorf("rating: commit sweep: %w", err)
	}
	return closed, nil
}

func (s *Service) expireWindow(ctx context.Context, tx pgx.Tx, tradeID string) error {
	t, err := s.trades.GetForUpdate(ctx, tx, tradeID)
	if err != nil {
		return err
	}
	if !ratable(t.Status) {
		return nil
	}

	revealed, err := s.repo.Reveal(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if err := s.trades.SetStatus(ctx, tx, t.ID, t.Status, trade.StatusCompleted); err != nil {
		return err
	}

	payload := map[string]any{"reason": "rating_window_expired", "revealed": revealed}
	if revealed > 0 {
		if err := s.events.Append(ctx, tx, t.ID, trade.EventRatingsRevealed, "", payload); err != nil {
			return err
		}
	}
	return s.events.Append(ctx, tx, t.ID, trade.EventTradeCompleted, "", payload)
}

// ExpiryLoop runs RunExpirySweep on a fixed interval until the context ends.
func (s *Service) ExpiryLoop(ctx context.Context, log *logrus.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := s.RunExpirySweep(ctx)
			if err != nil {
				log.WithError(err).Error("rating expiry sweep failed")
				continue
			}
			if closed > 0 {
				log.WithField("closed", closed).Info("rating windows expired")
			}
		}
	}
}
