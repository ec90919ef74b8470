// Command server runs the booking API, the payment webhook endpoint, the
// refund worker and the periodic trip completer.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/config"
	"github.com/iliyamo/car-rental-booking/internal/database"
	"github.com/iliyamo/car-rental-booking/internal/deposit"
	"github.com/iliyamo/car-rental-booking/internal/handler"
	"github.com/iliyamo/car-rental-booking/internal/jobs"
	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/queue"
	"github.com/iliyamo/car-rental-booking/internal/reconcile"
	"github.com/iliyamo/car-rental-booking/internal/repository"
	"github.com/iliyamo/car-rental-booking/internal/router"
	"github.com/iliyamo/car-rental-booking/internal/webhook"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		slog.Error("env file", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireServer()
	}
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := cfg.Logger(os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}
	store := repository.NewStore(db)

	provider, err := payment.NewOmise(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.ProviderTimeout, log)
	if err != nil {
		return err
	}
	publisher := queue.NewPublisher(cfg.RabbitMQURL, log)
	defer publisher.Close()

	bookings := ledger.New(store, provider, log,
		ledger.WithNotifier(publisher),
		ledger.WithSessionTTL(cfg.CheckoutSessionTTL))
	cases := deposit.NewManager(store, nil, log)
	reconciler := reconcile.New(bookings, store, cases, log)
	ingester := webhook.NewIngester(webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance), store, reconciler, log)
	completer := jobs.NewCompleter(store, bookings, cfg.CompleterBatch, log)
	refunds := jobs.NewRefundProcessor(store, provider, log, jobs.WithRefundTimeout(cfg.ProviderTimeout))

	rl, err := config.LoadRateLimitConfig()
	if err != nil {
		return err
	}
	rdb := config.NewRedisClient(ctx, cfg.RedisAddr)
	if rdb == nil {
		log.Warn("redis unavailable, rate limiting disabled", "addr", cfg.RedisAddr)
	} else {
		defer rdb.Close()
	}

	e := router.New(router.Handlers{
		Bookings: handler.NewBookingHandler(bookings, log),
		Deposits: handler.NewDepositHandler(cases, bookings, log),
		Webhooks: handler.NewWebhookHandler(ingester, log),
		Jobs:     handler.NewJobsHandler(completer, log),
		DB:       db,
	}, router.Options{JWTSecret: cfg.JWTSecret, RateLimit: rl, Redis: rdb}, log)

	go queue.RunRefundConsumer(ctx, cfg.RabbitMQURL, refunds.Process, log)
	go drainRefunds(ctx, refunds, cfg.RefundDrainEvery, log)
	go completer.RunEvery(ctx, cfg.CompleterInterval)

	srvErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// drainRefunds resubmits refund requests whose publish was lost.
func drainRefunds(ctx context.Context, p *jobs.RefundProcessor, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.DrainQueued(ctx, every, 100)
			if err != nil {
				log.Warn("refund drain failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("drained queued refunds", "count", n)
			}
		}
	}
}
