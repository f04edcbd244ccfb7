package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

// Processor intent statuses as reported by RetrieveIntent.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

// Webhook event types that drive order transitions.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

var (
	// ErrUnavailable wraps processor transport failures and timeouts.
	ErrUnavailable = fmt.Errorf("payment: %w", order.ErrUpstreamUnavailable)
	// ErrSignature is returned when a webhook payload fails verification.
	ErrSignature = fmt.Errorf("payment: %w", order.ErrUnverifiedSignature)
	// ErrIntentNotFound is returned when the processor does not know an intent.
	ErrIntentNotFound = errors.New("payment: intent not found")
)

// IntentRequest describes a new payment intent. Amount is in minor units.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of a payment intent.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// LastPaymentError is set by the processor when a payment attempt on the
	// intent was declined.
	LastPaymentError *PaymentError `json:"last_payment_error,omitempty"`
}

// PaymentError describes the most recent failed payment attempt.
type PaymentError struct {
	Code        string `json:"code,omitempty"`
	DeclineCode string `json:"decline_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// AttemptFailed reports whether a payment attempt was made and declined.
func (in Intent) AttemptFailed() bool {
	return in.LastPaymentError != nil && (in.LastPaymentError.Code != "" || in.LastPaymentError.Message != "")
}

// Event is a verified webhook notification.
type Event struct {
	ID       string
	Type     string
	IntentID string
	Intent   Intent
	Created  int64
}

// Gateway wraps the payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	VerifyWebhookSignature(payload []byte, signature string) (Event, error)
}

// TargetStatus maps a processor intent to the order status it settles into.
// An intent back in requires_payment_method after a declined attempt counts as
// failed. ok is false while the intent is still in flight.
func TargetStatus(in Intent) (order.Status, bool) {
	switch in.Status {
	case IntentSucceeded:
		return order.StatusCompleted, true
	case IntentCanceled:
		return order.StatusFailed, true
	case IntentRequiresPaymentMethod:
		if in.AttemptFailed() {
			return order.StatusFailed, true
		}
		return "", false
	default:
		return "", false
	}
}

// EventTarget maps a webhook event type to an order status.
func EventTarget(eventType string) (order.Status, bool) {
	switch eventType {
	case EventIntentSucceeded:
		return order.StatusCompleted, true
	case EventIntentFailed:
		return order.StatusFailed, true
	default:
		return "", false
	}
}

func validateRequest(req IntentRequest) error {
	if req.Amount <= 0 {
		return order.ErrInvalidAmount
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: currency is required", order.ErrValidation)
	}
	return nil
}
