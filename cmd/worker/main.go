package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/m1cart-orders/internal/app"
	"github.com/noah-isme/m1cart-orders/internal/config"
	"github.com/noah-isme/m1cart-orders/internal/notify"
	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/queue"
	"github.com/noah-isme/m1cart-orders/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Build(startCtx, cfg, logger, app.Options{
		AppName:        "m1cart-orders-worker",
		MetricsNS:      envOrDefault("OBS_METRICS_NAMESPACE", "m1cart"),
		SkipMigrations: true,
	})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	adoptWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.Queue.RedisPrefix,
		Kind:              queue.KindAdoptIntent,
		Concurrency:       cfg.Queue.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBase:         time.Second,
		RetryJitter:       0.2,
		Logger:            logger,
		Handler:           deps.Checkout.HandleAdoptTask,
	}

	var sender notify.EmailSender = notify.NopSender{}
	if cfg.Notify.EmailEnabled {
		sender = notify.LogSender{Logger: logger}
	}
	mux := asynq.NewServeMux()
	notify.EmailWorker{Sender: sender, From: cfg.Notify.EmailFrom, Logger: logger}.Register(mux)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for tasks")
	}
	taskServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          map[string]int{app.EmailQueue: 1},
		ShutdownTimeout: 10 * time.Second,
		Logger:          asynqLogger{logger: logger.With().Str("subsystem", "asynq").Logger()},
		LogLevel:        asynq.WarnLevel,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("kind", adoptWorker.Kind).Msg("adoption worker starting")
		return adoptWorker.Run(gctx)
	})
	g.Go(func() error {
		if err := taskServer.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		taskServer.Shutdown()
		return nil
	})
	g.Go(func() error {
		return runSweeper(gctx, deps.Reconciler, cfg.Queue, logger)
	})

	logger.Info().Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

// runSweeper reconciles stale pending orders every SweepInterval until ctx ends.
func runSweeper(ctx context.Context, d *reconcile.Dispatcher, cfg config.QueueConfig, logger zerolog.Logger) error {
	batch := envInt("SWEEP_BATCH", 100)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.SweepPending(ctx, cfg.SweepMinAge, batch); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("sweep pending orders")
			}
		}
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
