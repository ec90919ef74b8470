// Command sweep re-queries the payment provider for checkout sessions that
// never received a terminal webhook and applies what it finds.
//
//	sweep [--limit 100] [--older-than-ms 900000] [--prod | --preview <name>]
//
// Exit status is 0 on success, 1 when the sweep fails and 2 on bad usage.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/config"
	"github.com/iliyamo/car-rental-booking/internal/database"
	"github.com/iliyamo/car-rental-booking/internal/deposit"
	"github.com/iliyamo/car-rental-booking/internal/jobs"
	"github.com/iliyamo/car-rental-booking/internal/ledger"
	"github.com/iliyamo/car-rental-booking/internal/payment"
	"github.com/iliyamo/car-rental-booking/internal/queue"
	"github.com/iliyamo/car-rental-booking/internal/reconcile"
	"github.com/iliyamo/car-rental-booking/internal/repository"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

type options struct {
	limit     int
	olderThan time.Duration
	prod      bool
	preview   string
}

// parseFlags reads the command line.  Zero values fall back to the
// SWEEP_LIMIT and SWEEP_OLDER_THAN settings.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var (
		o       options
		olderMs int64
	)
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&o.limit, "limit", 0, "maximum number of sessions to examine")
	fs.Int64Var(&olderMs, "older-than-ms", 0, "only examine sessions created at least this many milliseconds ago")
	fs.BoolVar(&o.prod, "prod", false, "target production (.env.production)")
	fs.StringVar(&o.preview, "preview", "", "target a preview environment (.env.preview.<name>)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.limit < 0 {
		return o, errors.New("--limit must not be negative")
	}
	if olderMs < 0 {
		return o, errors.New("--older-than-ms must not be negative")
	}
	if o.prod && o.preview != "" {
		return o, errors.New("--prod and --preview are mutually exclusive")
	}
	o.olderThan = time.Duration(olderMs) * time.Millisecond
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "sweep:", err)
		}
		return exitUsage
	}
	if err := config.LoadEnvFile(config.EnvFile(opts.prod, opts.preview)); err != nil {
		fmt.Fprintln(stderr, "sweep:", err)
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "sweep:", err)
		return exitUsage
	}
	if opts.limit == 0 {
		opts.limit = cfg.SweepLimit
	}
	if opts.olderThan == 0 {
		opts.olderThan = cfg.SweepOlderThan
	}
	log := cfg.Logger(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := sweep(ctx, cfg, opts, log)
	if err != nil {
		log.Error("sweep failed", "err", err)
		return exitFail
	}
	_ = json.NewEncoder(stdout).Encode(rep)
	return exitOK
}

func sweep(ctx context.Context, cfg config.Config, opts options, log *slog.Logger) (jobs.SweepReport, error) {
	db, err := database.Open(ctx, cfg.Database())
	if err != nil {
		return jobs.SweepReport{}, err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return jobs.SweepReport{}, err
	}
	store := repository.NewStore(db)

	provider, err := payment.NewOmise(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.ProviderTimeout, log)
	if err != nil {
		return jobs.SweepReport{}, err
	}
	publisher := queue.NewPublisher(cfg.RabbitMQURL, log)
	defer publisher.Close()

	bookings := ledger.New(store, provider, log, ledger.WithNotifier(publisher))
	reconciler := reconcile.New(bookings, store, deposit.NewManager(store, nil, log), log)
	s := jobs.NewSweep(store, provider, reconciler, log,
		jobs.WithQueryTimeout(cfg.ProviderTimeout),
		jobs.WithQueryRetries(cfg.ProviderRetries))
	return s.Run(ctx, opts.olderThan, opts.limit)
}
