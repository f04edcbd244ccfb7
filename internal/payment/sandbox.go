package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/m1cart-orders/internal/obs"
)

const sandboxProvider = "sandbox"

// Sandbox is a processor stand-in backed by Redis. Intents are created in
// requires_payment_method and settled with Settle, which also produces a signed
// webhook payload. It is meant for local development and tests.
type Sandbox struct {
	Redis    redis.Cmdable
	Prefix   string
	Verifier SignatureVerifier
	TTL      time.Duration
	Now      func() time.Time
}

func (s *Sandbox) key(id string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "m1cart:sandbox:pi"
	}
	return prefix + ":" + id
}

func (s *Sandbox) idemKey(key string) string {
	return s.key("idem:" + key)
}

func (s *Sandbox) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateIntent stores a new intent. Reusing an idempotency key returns the
// intent created by the first call.
func (s *Sandbox) CreateIntent(ctx context.Context, req IntentRequest) (intent Intent, err error) {
	result := "error"
	defer func() { obs.PaymentIntentTotal.WithLabelValues(sandboxProvider, result).Inc() }()
	if err := validateRequest(req); err != nil {
		result = "invalid"
		return Intent{}, err
	}
	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if req.IdempotencyKey != "" {
		ok, err := s.Redis.SetNX(ctx, s.idemKey(req.IdempotencyKey), id, s.ttl()).Result()
		if err != nil {
			return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			existing, err := s.Redis.Get(ctx, s.idemKey(req.IdempotencyKey)).Result()
			if err != nil {
				return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			result = "replay"
			return s.RetrieveIntent(ctx, existing)
		}
	}
	intent = Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Status:       IntentRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     strings.ToLower(req.Currency),
		Metadata:     req.Metadata,
	}
	if err := s.save(ctx, intent); err != nil {
		return Intent{}, err
	}
	result = "success"
	return intent, nil
}

// RetrieveIntent loads a stored intent.
func (s *Sandbox) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	raw, err := s.Redis.Get(ctx, s.key(intentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// VerifyWebhookSignature validates payloads signed with the sandbox secret.
func (s *Sandbox) VerifyWebhookSignature(payload []byte, signature string) (Event, error) {
	return s.Verifier.Verify(payload, signature)
}

// Settle moves an intent to succeeded or canceled and returns the webhook
// payload and signature header the processor would deliver.
func (s *Sandbox) Settle(ctx context.Context, intentID string, succeeded bool) (payload []byte, signature string, err error) {
	intent, err := s.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, "", err
	}
	eventType := EventIntentSucceeded
	intent.Status = IntentSucceeded
	if !succeeded {
		eventType = EventIntentFailed
		intent.Status = IntentCanceled
	}
	return s.deliver(ctx, intent, eventType)
}

// Decline records a declined card attempt. Like the real processor, the intent
// goes back to requires_payment_method with last_payment_error set.
func (s *Sandbox) Decline(ctx context.Context, intentID, declineCode string) (payload []byte, signature string, err error) {
	intent, err := s.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, "", err
	}
	intent.Status = IntentRequiresPaymentMethod
	intent.LastPaymentError = &PaymentError{Code: "card_declined", DeclineCode: declineCode, Message: "Your card was declined."}
	return s.deliver(ctx, intent, EventIntentFailed)
}

func (s *Sandbox) deliver(ctx context.Context, intent Intent, eventType string) ([]byte, string, error) {
	if err := s.save(ctx, intent); err != nil {
		return nil, "", err
	}
	now := s.now()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"type":    eventType,
		"created": now.Unix(),
		"data":    map[string]any{"object": intent},
	})
	if err != nil {
		return nil, "", err
	}
	return payload, SignPayload(s.Verifier.Secret, payload, now), nil
}

func (s *Sandbox) save(ctx context.Context, intent Intent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	if err := s.Redis.Set(ctx, s.key(intent.ID), raw, s.ttl()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Sandbox) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 7 * 24 * time.Hour
}

var _ Gateway = (*Sandbox)(nil)
var _ Gateway = (*Stripe)(nil)

