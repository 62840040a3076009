package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tradeflow/auth"
	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/ledger"
	"tradeflow/notify"
	"tradeflow/rating"
	"tradeflow/reputation"
	"tradeflow/shipping"
	"tradeflow/trade"
	"tradeflow/valuation"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	tradeRepo := trade.NewRepository(pool)
	eventLog := trade.NewEventLog(pool)
	outbox := notify.NewOutbox()
	money := ledger.NewRepository(pool)
	values := valuation.NewRepository(pool)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	tradeService := trade.NewService(pool, tradeRepo, eventLog, outbox)
	escrowService := escrow.NewService(pool, tradeRepo, values, money, reputation.NewApplier(), eventLog, outbox)
	shippingService := shipping.NewService(pool, tradeRepo, shipping.NewRepository(pool), escrowService, eventLog, outbox)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), tradeRepo, money, escrowService, eventLog, outbox)
	ratingService := rating.NewService(pool, rating.NewRepository(pool), tradeRepo, eventLog, outbox)

	server := &Server{
		authService:     authService,
		tradeService:    tradeService,
		trades:          tradeRepo,
		events:          eventLog,
		escrowService:   escrowService,
		shippingService: shippingService,
		disputeService:  disputeService,
		ratingService:   ratingService,
		log:             log,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatcher := notify.NewDispatcher(pool, &notify.LogSink{Log: log}, log, envDuration("OUTBOX_INTERVAL", 2*time.Second))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		disputeService.SweepLoop(groupCtx, log, envDuration("DISPUTE_SWEEP_INTERVAL", time.Minute))
		return nil
	})
	group.Go(func() error {
		ratingService.ExpiryLoop(groupCtx, log, envDuration("RATING_SWEEP_INTERVAL", time.Minute))
		return nil
	})
	group.Go(func() error {
		log.WithField("addr", addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("api exited")
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
