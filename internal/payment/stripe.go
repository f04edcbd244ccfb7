package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/resilience"
)

const stripeProvider = "stripe"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	MaxAttempts   int
	Tolerance     time.Duration
	Logger        zerolog.Logger
}

// Stripe talks to the Stripe PaymentIntents REST API.
type Stripe struct {
	secretKey string
	baseURL   string
	timeout   time.Duration
	http      resilience.HTTPClient
	verifier  SignatureVerifier
	logger    zerolog.Logger
}

// NewStripe builds the adapter with a traced, retrying HTTP client.
func NewStripe(cfg StripeConfig) *Stripe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	breaker := resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget(stripeProvider).WithLogger(cfg.Logger)
	return &Stripe{
		secretKey: cfg.SecretKey,
		baseURL:   base,
		timeout:   timeout,
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     breaker,
			Target:      stripeProvider,
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      0.2,
			Timeout:     timeout,
		},
		verifier: SignatureVerifier{Secret: cfg.WebhookSecret, Tolerance: cfg.Tolerance},
		logger:   cfg.Logger,
	}
}

// CreateIntent opens a payment intent. The idempotency key makes the call safe
// to retry.
func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (intent Intent, err error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.CreateIntent")
	defer span.End()
	result := "error"
	defer func() {
		obs.PaymentIntentTotal.WithLabelValues(stripeProvider, result).Inc()
		if err != nil {
			span.RecordError(err)
		}
	}()
	if err := validateRequest(req); err != nil {
		result = "invalid"
		return Intent{}, err
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}

	httpReq, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if err := s.do(ctx, httpReq, &intent); err != nil {
		return Intent{}, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))
	result = "success"
	return intent, nil
}

// RetrieveIntent fetches the current state of an intent.
func (s *Stripe) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.RetrieveIntent")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID))
	if strings.TrimSpace(intentID) == "" {
		return Intent{}, fmt.Errorf("%w: payment intent id is required", order.ErrValidation)
	}
	httpReq, err := http.NewRequest(http.MethodGet, s.baseURL+"/v1/payment_intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return Intent{}, err
	}
	var intent Intent
	if err := s.do(ctx, httpReq, &intent); err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	return intent, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header.
func (s *Stripe) VerifyWebhookSignature(payload []byte, signature string) (Event, error) {
	return s.verifier.Verify(payload, signature)
}

func (s *Stripe) do(ctx context.Context, req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("stripe_request_failed")
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) || errors.Is(err, resilience.ErrOpenCircuit) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return stripeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func stripeError(status int, body []byte) error {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrIntentNotFound, msg)
	case status == http.StatusBadRequest && payload.Error.Type == "invalid_request_error":
		return fmt.Errorf("%w: %s", order.ErrValidation, msg)
	default:
		return fmt.Errorf("%w: stripe responded %d: %s", ErrUnavailable, status, msg)
	}
}
