package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/day-dedications/internal/adapters/crdb"
	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/config"
	"github.com/robertarktes/day-dedications/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()
	clk := clock.NewSystem()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	// Sweeping never reads settings.
	reservations := app.NewReservationService(repo, nil, clk, logger,
		app.WithHoldTTL(cfg.HoldTTL),
		app.WithSweepConcurrency(cfg.SweepConcurrency),
	)
	worker := NewExpiryWorker(reservations, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.ExpirySweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

// ExpiryWorker reverts lapsed checkout holds on a fixed interval. Reads
// already treat a lapsed hold as available, so the sweep only has to catch up
// eventually.
type ExpiryWorker struct {
	expirer app.HoldExpirer
	clock   clock.Clock
	logger  observability.Logger
	retry   func() backoff.BackOff
}

func NewExpiryWorker(expirer app.HoldExpirer, clk clock.Clock, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		expirer: expirer,
		clock:   clk,
		logger:  logger,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	err := backoff.RetryNotify(func() error {
		_, err := w.expirer.ExpireHolds(ctx, w.clock.Now())
		return err
	}, backoff.WithContext(w.retry(), ctx), func(err error, wait time.Duration) {
		w.logger.WithError(err).WithField("wait", wait.String()).Warn("expiry sweep failed, retrying")
	})
	if err != nil {
		w.logger.WithError(err).Error("expiry sweep failed after retries")
	}
}
