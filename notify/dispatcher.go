package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Sink receives notifications drained from the outbox. Implementations push
// to email, mobile push, or whatever channel the deployment wires in.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogSink is the default Sink: it logs every delivery. Useful in development
// and as the fallback when no external channel is configured.
type LogSink struct {
	Log *logrus.Logger
}

func (s *LogSink) Deliver(_ context.Context, msg Message) error {
	s.Log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"recipient": deref(msg.RecipientID),
		"trade_id":  deref(msg.TradeID),
	}).Info("notification delivered")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Dispatcher drains the outbox on an interval and hands messages to the sink.
// Multiple dispatchers can run concurrently; FOR UPDATE SKIP LOCKED keeps
// them from double-delivering.
type Dispatcher struct {
	pool        *pgxpool.Pool
	sink        Sink
	log         *logrus.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewDispatcher(pool *pgxpool.Pool, sink Sink, log *logrus.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		pool:        pool,
		sink:        sink,
		log:         log,
		interval:    interval,
		batchSize:   50,
		maxAttempts: 5,
	}
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.log.WithError(err).Warn("outbox drain failed")
			}
		}
	}
}

// Drain delivers one batch of pending messages. Sink failures mark the row
// for retry (or dead after maxAttempts) and never propagate to the writer
// side.
func (d *Dispatcher) Drain(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch, err := claimBatch(ctx, tx, d.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range batch {
		if err := d.sink.Deliver(ctx, msg); err != nil {
			d.log.WithError(err).WithField("topic", msg.Topic).Warn("notification delivery failed")
			if err := markFailed(ctx, tx, msg.ID, msg.Attempts, d.maxAttempts); err != nil {
				return err
			}
			continue
		}
		if err := markProcessed(ctx, tx, msg.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
