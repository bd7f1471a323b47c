package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/robertarktes/day-dedications/internal/adapters/crdb"
	"github.com/robertarktes/day-dedications/internal/adapters/gateway"
	mongoadapter "github.com/robertarktes/day-dedications/internal/adapters/mongo"
	"github.com/robertarktes/day-dedications/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/day-dedications/internal/adapters/redis"
	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/config"
	"github.com/robertarktes/day-dedications/internal/domain"
	httphandler "github.com/robertarktes/day-dedications/internal/http"
	"github.com/robertarktes/day-dedications/internal/idempotency"
	"github.com/robertarktes/day-dedications/internal/observability"
	"github.com/robertarktes/day-dedications/internal/outbox"
	"github.com/robertarktes/day-dedications/internal/rateLimit"
	"github.com/robertarktes/day-dedications/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()
	clk := clock.NewSystem()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	repo := crdb.NewRepository(pool)
	if cfg.CalendarFrom != "" {
		provisionCalendar(ctx, repo, cfg, logger)
	}

	mongoClient, err := mongoadapter.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDatabase)
	settingsRepo := mongoadapter.NewSettingsRepository(mongoDB, logger)
	eventLog := mongoadapter.NewGatewayEventLog(mongoDB, logger)
	if err := eventLog.EnsureIndexes(ctx); err != nil {
		log.Fatalf("failed to create mongo indexes: %v", err)
	}

	ready := map[string]httphandler.Pinger{
		"crdb":  repo,
		"mongo": mongoPinger{mongoClient.Ping},
	}

	var (
		rl           rateLimit.Limiter = rateLimit.NewLocalLimiter()
		idemp        *idempotency.Idempotency
		settingsOpts []app.SettingsOption
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := redisadapter.NewCache(redisClient)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, logger)
		rl = rateLimit.NewRateLimiter(redisCache, logger)
		settingsOpts = append(settingsOpts, app.WithSettingsCache(redisCache, cfg.SettingsCacheTTL))
		ready["redis"] = redisCache
	} else {
		logger.Warn("REDIS_ADDR not set: rate limits are per process and idempotency keys are ignored")
	}

	settings := app.NewSettingsService(settingsRepo, defaultSettings(cfg), clk, logger, settingsOpts...)
	reservations := app.NewReservationService(repo, settings, clk, logger,
		app.WithHoldTTL(cfg.HoldTTL),
		app.WithSweepConcurrency(cfg.SweepConcurrency),
	)

	reconcileOpts := []app.ReconciliationOption{
		app.WithOrderRefPrefix(cfg.OrderRefPrefix),
		app.WithEventLog(eventLog),
	}
	if cfg.RabbitURL != "" && cfg.OutboxRelayEnabled {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		rabbitPub, err := rabbit.NewPublisher(conn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer rabbitPub.Close()

		relay := outbox.NewPublisher(repo, rabbitPub, clk, logger, outbox.WithInterval(cfg.OutboxPollInterval))
		reconcileOpts = append(reconcileOpts, app.WithKicker(relay))
		go relay.Run(ctx)
	}
	reconciler := app.NewReconciliationService(repo, settings, clk, logger, reconcileOpts...)

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	refunds := app.NewRefundService(repo, gw, clk, logger)
	queries := app.NewQueryService(repo, reservations, clk, logger)

	handlers := httphandler.NewHandlers(httphandler.Deps{
		Reservations:       reservations,
		Reconciler:         reconciler,
		Refunds:            refunds,
		Settings:           settings,
		Queries:            queries,
		Events:             eventLog,
		Idempotency:        idemp,
		Clock:              clk,
		WebhookSecret:      cfg.Gateway.WebhookSecret,
		SignatureTolerance: cfg.Gateway.SignatureTolerance,
		Ready:              ready,
	}, logger)

	r := httphandler.SetupRouter(handlers, logger, rl, httphandler.AdminAuth{
		JWTSecret: cfg.Admin.JWTSecret,
		JWTIssuer: cfg.Admin.JWTIssuer,
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()
	logger.WithField("addr", cfg.HTTPAddr).Info("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}

func defaultSettings(cfg *config.Config) domain.Settings {
	return domain.Settings{
		PriceCents:         cfg.Defaults.PriceCents,
		NotificationEmail:  cfg.Defaults.NotificationEmail,
		DedicationRequired: cfg.Defaults.DedicationRequired,
		EmojisAllowed:      cfg.Defaults.EmojisAllowed,
	}
}

func provisionCalendar(ctx context.Context, repo *crdb.Repository, cfg *config.Config, logger observability.Logger) {
	_, from, err := domain.ParseKey(cfg.CalendarFrom)
	if err != nil {
		log.Fatalf("invalid CALENDAR_FROM: %v", err)
	}
	_, to, err := domain.ParseKey(cfg.CalendarTo)
	if err != nil {
		log.Fatalf("invalid CALENDAR_TO: %v", err)
	}
	created, err := repo.EnsureDays(ctx, from, to)
	if err != nil {
		log.Fatalf("failed to provision calendar: %v", err)
	}
	logger.WithFields(map[string]interface{}{"from": cfg.CalendarFrom, "to": cfg.CalendarTo, "created": created}).Info("calendar provisioned")
}

type mongoPinger struct {
	ping func(ctx context.Context, rp *readpref.ReadPref) error
}

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.ping(ctx, readpref.Primary())
}
