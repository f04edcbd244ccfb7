package payment

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/config"
)

// New returns the gateway selected by cfg.Provider.
func New(cfg config.PaymentConfig, rdb redis.Cmdable, logger zerolog.Logger) (Gateway, error) {
	switch cfg.Provider {
	case stripeProvider:
		return NewStripe(StripeConfig{
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			MaxAttempts:   cfg.MaxAttempts,
			Tolerance:     cfg.WebhookTolerance,
			Logger:        logger,
		}), nil
	case sandboxProvider, "":
		if rdb == nil {
			return nil, fmt.Errorf("payment: sandbox provider requires redis")
		}
		return &Sandbox{
			Redis:    rdb,
			Verifier: SignatureVerifier{Secret: cfg.WebhookSecret, Tolerance: cfg.WebhookTolerance},
		}, nil
	default:
		return nil, fmt.Errorf("payment: unknown provider %q", cfg.Provider)
	}
}
