package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64
	MigrateOnStart     bool

	Payment  PaymentConfig
	Checkout CheckoutConfig
	Queue    QueueConfig
	Notify   NotifyConfig
	Limits   RateLimitConfig
	Audit    AuditConfig
}

// PaymentConfig configures the processor adapter and webhook handling.
type PaymentConfig struct {
	Provider         string
	SecretKey        string
	WebhookSecret    string
	BaseURL          string
	Timeout          time.Duration
	MaxAttempts      int
	DefaultCurrency  string
	WebhookReplayTTL time.Duration
	WebhookTolerance time.Duration
}

// CheckoutConfig configures checkout persistence and post-payment behaviour.
type CheckoutConfig struct {
	PersistAttempts int
	IdempotencyTTL  time.Duration
	CatalogCacheTTL time.Duration
	DraftTTL        time.Duration
	SplitBySeller   bool
}

// QueueConfig configures background workers.
type QueueConfig struct {
	RedisPrefix       string
	Concurrency       int
	VisibilityTimeout time.Duration
	LockTTL           time.Duration
	SweepInterval     time.Duration
	SweepMinAge       time.Duration
}

// NotifyConfig configures buyer notifications and event fan-out.
type NotifyConfig struct {
	EmailEnabled bool
	EmailFrom    string
	AMQPURL      string
	AMQPExchange string
}

// RateLimitConfig configures request limits on public payment endpoints.
type RateLimitConfig struct {
	Driver            string
	WebhookPerMinute  int
	CheckoutPerMinute int
}

// AuditConfig configures the audit trail of manual order actions.
type AuditConfig struct {
	Enabled      bool
	SamplingRate float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "m1cart"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "m1cart-web"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		Payment: PaymentConfig{
			Provider:         strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "sandbox")),
			SecretKey:        k.String("STRIPE_SECRET_KEY"),
			WebhookSecret:    k.String("STRIPE_WEBHOOK_SECRET"),
			BaseURL:          valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),
			Timeout:          parseDuration(k.String("PAYMENT_TIMEOUT"), "10s"),
			MaxAttempts:      parseInt(k.String("PAYMENT_RETRY_MAX"), 3),
			DefaultCurrency:  strings.ToLower(valueOrDefault(k.String("DEFAULT_CURRENCY"), "usd")),
			WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
			WebhookTolerance: parseDuration(k.String("WEBHOOK_TOLERANCE"), "5m"),
		},
		Checkout: CheckoutConfig{
			PersistAttempts: parseInt(k.String("CHECKOUT_PERSIST_ATTEMPTS"), 3),
			IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
			CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
			DraftTTL:        parseDuration(k.String("CHECKOUT_DRAFT_TTL"), "168h"),
			SplitBySeller:   parseBool(k.String("ORDER_SPLIT_BY_SELLER")),
		},
		Queue: QueueConfig{
			RedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "m1cart:queue"),
			Concurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
			LockTTL:           parseDuration(k.String("LOCK_TTL"), "30s"),
			SweepInterval:     parseDuration(k.String("SWEEP_INTERVAL"), "5m"),
			SweepMinAge:       parseDuration(k.String("SWEEP_MIN_AGE"), "15m"),
		},
		Notify: NotifyConfig{
			EmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
			EmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "orders@m1cart.local"),
			AMQPURL:      strings.TrimSpace(k.String("AMQP_URL")),
			AMQPExchange: valueOrDefault(k.String("AMQP_EXCHANGE"), "m1cart.orders"),
		},
		Limits: RateLimitConfig{
			Driver:            strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_DRIVER"), "sliding")),
			WebhookPerMinute:  parseInt(k.String("RATE_LIMIT_WEBHOOK_PER_MIN"), 600),
			CheckoutPerMinute: parseInt(k.String("RATE_LIMIT_CHECKOUT_PER_MIN"), 30),
		},
		Audit: AuditConfig{
			Enabled:      parseBoolDefault(k.String("AUDIT_ENABLED"), true),
			SamplingRate: parseFloat(k.String("AUDIT_SAMPLING_RATE"), 1),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.Payment.Provider {
	case "sandbox":
	case "stripe":
		if cfg.Payment.SecretKey == "" || cfg.Payment.WebhookSecret == "" {
			return nil, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe provider")
		}
	default:
		return nil, fmt.Errorf("unsupported PAYMENT_PROVIDER %q", cfg.Payment.Provider)
	}
	if cfg.Payment.WebhookSecret == "" {
		cfg.Payment.WebhookSecret = cfg.JWTSecret
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 || f > 1 {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
