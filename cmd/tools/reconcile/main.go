package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/m1cart-orders/internal/app"
	"github.com/noah-isme/m1cart-orders/internal/config"
	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/queue"
)

// reconcile runs one-off recovery passes:
//
//	-sweep        settle pending orders against the processor
//	-adopt-drafts persist stored checkout drafts whose order was never written
//	-requeue-dlq  move dead-lettered adoption tasks back onto the queue
func main() {
	var (
		sweep   = flag.Bool("sweep", true, "reconcile stale pending orders")
		adopt   = flag.Bool("adopt-drafts", false, "adopt stored checkout drafts")
		requeue = flag.Bool("requeue-dlq", false, "requeue dead-lettered adoption tasks")
		minAge  = flag.Duration("min-age", 0, "minimum order age for -sweep, defaults to SWEEP_MIN_AGE")
		batch   = flag.Int("batch", 500, "maximum orders or drafts per pass")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(os.Getenv("OBS_LOG_FORMAT"), os.Getenv("OBS_LOG_LEVEL")).With().Str("component", "reconcile-tool").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Build(startCtx, cfg, logger, app.Options{AppName: "m1cart-orders-reconcile", SkipMigrations: true})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	exit := 0
	if *requeue {
		moved, err := queue.RequeueDeadLetters(ctx, deps.Queue, queue.KindAdoptIntent)
		if err != nil {
			logger.Error().Err(err).Msg("requeue dead letters")
			exit = 1
		}
		logger.Info().Int("moved", moved).Msg("dead letters requeued")
	}

	if *adopt {
		intents, err := deps.Checkout.Drafts.Pending(ctx, int64(*batch))
		if err != nil {
			logger.Error().Err(err).Msg("list checkout drafts")
			exit = 1
		}
		adopted := 0
		for _, id := range intents {
			o, err := deps.Checkout.AdoptPending(ctx, id)
			if err != nil {
				logger.Warn().Err(err).Str("payment_intent_id", id).Msg("adopt draft")
				exit = 1
				continue
			}
			adopted++
			logger.Info().Str("payment_intent_id", id).Str("order_id", o.ID).Msg("draft adopted")
		}
		logger.Info().Int("drafts", len(intents)).Int("adopted", adopted).Msg("draft adoption finished")
	}

	if *sweep {
		age := *minAge
		if age <= 0 {
			age = cfg.Queue.SweepMinAge
		}
		report, err := deps.Reconciler.SweepPending(ctx, age, *batch)
		if err != nil {
			logger.Error().Err(err).Msg("sweep pending orders")
			exit = 1
		} else if report.Errors > 0 {
			exit = 1
		}
	}

	if exit != 0 {
		deps.Close()
		os.Exit(exit)
	}
}
