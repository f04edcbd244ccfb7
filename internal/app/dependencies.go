package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/audit"
	"github.com/noah-isme/m1cart-orders/internal/catalog"
	"github.com/noah-isme/m1cart-orders/internal/checkout"
	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/config"
	"github.com/noah-isme/m1cart-orders/internal/db"
	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/lock"
	"github.com/noah-isme/m1cart-orders/internal/notify"
	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/payment"
	"github.com/noah-isme/m1cart-orders/internal/queue"
	"github.com/noah-isme/m1cart-orders/internal/ratelimit"
	"github.com/noah-isme/m1cart-orders/internal/realtime"
	"github.com/noah-isme/m1cart-orders/internal/reconcile"
	"github.com/noah-isme/m1cart-orders/internal/repo"
	"github.com/noah-isme/m1cart-orders/internal/resilience"
)

// Redis key namespaces shared by the api and worker processes.
const (
	LockPrefix      = "m1cart:lock"
	CatalogPrefix   = "m1cart:catalog"
	DraftPrefix     = "m1cart:checkout:draft"
	WebhookPrefix   = "m1cart:webhook"
	RateLimitPrefix = "m1cart:ratelimit"
	EmailQueue      = "notifications"
)

// Dependencies enumerates the services shared by the api, worker and tools.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Validator  *validator.Validate
	Limiter    ratelimit.Limiter
	TaskClient *asynq.Client
	Publisher  notify.Publisher

	Hub        *realtime.Hub
	Bus        *events.Bus
	Orders     *repo.Orders
	Catalog    *catalog.Service
	Engine     *order.Engine
	Gateway    payment.Gateway
	Queue      queue.Enqueuer
	Locker     lock.Locker
	Checkout   *checkout.Service
	Reconciler *reconcile.Dispatcher
	Audit      *audit.Service
}

// Options tune process specific parts of Build.
type Options struct {
	AppName        string
	MaxConns       int32
	RedisMetrics   bool
	MetricsNS      string
	Registerer     prometheus.Registerer
	SkipMigrations bool
}

// Build opens the database, Redis, task client and optional broker, then wires
// the domain services on top of them.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	if cfg.MigrateOnStart && !opts.SkipMigrations {
		m, err := db.NewMigrator(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		err = RunMigrations(m)
		_, _ = m.Close()
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("migrations applied")
	}

	pool, err := repo.NewPool(ctx, cfg.DatabaseURL, opts.AppName, opts.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	rdb, err := NewRedis(ctx, cfg.RedisURL, opts.RedisMetrics, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("parse redis url for tasks: %w", err)
	}
	taskClient := asynq.NewClient(redisOpt)

	var publisher notify.Publisher
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewRabbitPublisher(cfg.Notify.AMQPURL, cfg.Notify.AMQPExchange)
		if err != nil {
			// events are still stored and emailed without the broker
			logger.Error().Err(err).Msg("connect amqp broker")
		} else {
			publisher = pub
		}
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := opts.MetricsNS
	if ns == "" {
		ns = "m1cart"
	}
	obs.MustRegisterDomainMetrics(ns, reg)
	if err := resilience.RegisterMetrics(reg); err != nil {
		logger.Error().Err(err).Msg("register resilience metrics")
	}
	if err := queue.RegisterMetrics(reg); err != nil {
		logger.Error().Err(err).Msg("register queue metrics")
	}

	deps, err := Wire(cfg, logger, pool, rdb, taskClient, publisher)
	deps.DB = pool
	deps.TaskClient = taskClient
	if err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

// Wire assembles the domain services over already opened clients. database may
// be nil in tests that never touch Postgres.
func Wire(cfg *config.Config, logger zerolog.Logger, database repo.DB, rdb *redis.Client, tasks notify.TaskClient, publisher notify.Publisher) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Validator: common.Validator(),
		Publisher: publisher,
	}

	limiter, err := NewLimiter(cfg.Limits, rdb)
	if err != nil {
		return deps, err
	}
	deps.Limiter = limiter

	deps.Hub = realtime.NewHub(logger.With().Str("component", "realtime").Logger())
	notifiers := []events.Notifier{deps.Hub}
	if cfg.Notify.EmailEnabled && tasks != nil {
		notifiers = append(notifiers, notify.EmailEnqueuer{
			Client: tasks,
			Queue:  EmailQueue,
			Logger: logger,
		})
	}
	if publisher != nil {
		notifiers = append(notifiers, notify.BrokerNotifier{Publisher: publisher, Logger: logger})
	}
	deps.Bus = &events.Bus{Notifiers: notifiers}
	if database != nil {
		deps.Bus.Store = &repo.Events{DB: database}
		deps.Audit = &audit.Service{
			Store:        &repo.Audit{DB: database},
			Enabled:      cfg.Audit.Enabled,
			SamplingRate: cfg.Audit.SamplingRate,
		}
	}

	deps.Orders = &repo.Orders{DB: database}
	deps.Catalog = &catalog.Service{
		Reader: &repo.Products{DB: database},
		Cache:  catalog.NewCache(rdb, CatalogPrefix, cfg.Checkout.CatalogCacheTTL),
		Logger: logger,
	}
	deps.Engine = &order.Engine{
		Store:         deps.Orders,
		Events:        deps.Bus,
		Logger:        logger,
		SplitBySeller: cfg.Checkout.SplitBySeller,
	}

	gw, err := payment.New(cfg.Payment, rdb, logger)
	if err != nil {
		return deps, err
	}
	deps.Gateway = gw

	deps.Queue = queue.Enqueuer{
		R:           rdb,
		Prefix:      cfg.Queue.RedisPrefix,
		DedupTTL:    cfg.Checkout.IdempotencyTTL,
		MaxAttempts: 10,
	}
	deps.Locker = lock.Locker{R: rdb, Prefix: LockPrefix, RetryBackoff: 50 * time.Millisecond, MaxWait: cfg.Queue.LockTTL}

	deps.Checkout = &checkout.Service{
		Engine:          deps.Engine,
		Gateway:         gw,
		Catalog:         deps.Catalog,
		Drafts:          &checkout.DraftStore{R: rdb, Prefix: DraftPrefix, TTL: cfg.Checkout.DraftTTL},
		Queue:           deps.Queue,
		Locker:          deps.Locker,
		Events:          deps.Bus,
		Logger:          logger,
		Currency:        cfg.Payment.DefaultCurrency,
		PaymentTimeout:  cfg.Payment.Timeout,
		PersistAttempts: cfg.Checkout.PersistAttempts,
		PersistBackoff:  100 * time.Millisecond,
		LockTTL:         cfg.Queue.LockTTL,
	}
	deps.Reconciler = &reconcile.Dispatcher{
		Engine:  deps.Engine,
		Gateway: gw,
		Adopter: deps.Checkout,
		Replay:  &reconcile.ReplayGuard{R: rdb, Prefix: WebhookPrefix, TTL: cfg.Payment.WebhookReplayTTL},
		Logger:  logger,
	}
	return deps, nil
}

// Close releases every client Build opened.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.Hub != nil {
		d.Hub.Close()
	}
	if d.Publisher != nil {
		if err := d.Publisher.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close amqp broker")
		}
	}
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// NewRedis connects to Redis with OpenTelemetry instrumentation.
func NewRedis(ctx context.Context, url string, withMetrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if withMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewLimiter selects the request limiter for the configured driver.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client) (ratelimit.Limiter, error) {
	switch cfg.Driver {
	case "", "sliding":
		return ratelimit.SlidingWindow{Client: rdb, Prefix: RateLimitPrefix}, nil
	case "fixed":
		return ratelimit.NewRedisFixedWindow(rdb, RateLimitPrefix)
	default:
		return nil, fmt.Errorf("unsupported RATE_LIMIT_DRIVER %q", cfg.Driver)
	}
}

// RunMigrations applies pending migrations. An up to date schema is not an error.
func RunMigrations(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
