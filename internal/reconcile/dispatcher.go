package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/payment"
)

// Adopter recovers an order whose payment intent was created but whose local
// record was never persisted.
type Adopter interface {
	// AdoptPending persists the stored draft for intentID. It returns
	// order.ErrNotFound when no draft is known.
	AdoptPending(ctx context.Context, intentID string) (*order.Order, error)
}

// Dispatcher routes payment signals and manual actions to the lifecycle engine.
type Dispatcher struct {
	Engine  *order.Engine
	Gateway payment.Gateway
	Adopter Adopter
	Replay  *ReplayGuard
	Logger  zerolog.Logger
	Now     func() time.Time
}

// CallbackResult is the outcome of a buyer success callback.
type CallbackResult struct {
	OrderID      string       `json:"orderId"`
	Status       order.Status `json:"status"`
	IntentStatus string       `json:"intentStatus"`
	Applied      bool         `json:"-"`
}

// WebhookResult describes how a verified webhook was handled. Every result is
// acknowledged to the processor.
type WebhookResult struct {
	EventID string
	Outcome string
	OrderID string
}

// Webhook outcomes.
const (
	OutcomeApplied       = "applied"
	OutcomeNoop          = "noop"
	OutcomeIgnored       = "ignored"
	OutcomeDuplicate     = "duplicate"
	OutcomeUnknownIntent = "unknown_intent"
	OutcomeMismatch      = "amount_mismatch"
	OutcomeStale         = "stale"
)

// SweepReport summarises one SweepPending pass.
type SweepReport struct {
	Checked   int
	Completed int
	Failed    int
	Pending   int
	Errors    int
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// resolve finds the order bound to intentID, adopting a stored draft when the
// local record is missing.
func (d *Dispatcher) resolve(ctx context.Context, intentID string) (*order.Order, error) {
	o, err := d.Engine.Store.GetByPaymentIntent(ctx, intentID)
	if err == nil || !errors.Is(err, order.ErrNotFound) || d.Adopter == nil {
		return o, err
	}
	adopted, adoptErr := d.Adopter.AdoptPending(ctx, intentID)
	if adoptErr != nil {
		if errors.Is(adoptErr, order.ErrNotFound) {
			return nil, err
		}
		return nil, adoptErr
	}
	d.Logger.Info().Str("order_id", adopted.ID).Str("payment_intent_id", intentID).Msg("intent_adopted_on_signal")
	return adopted, nil
}

// BuyerCallback treats the buyer's "payment succeeded" call as a prompt to
// reconcile. The intent is re-read from the processor and only its reported
// status moves the order.
func (d *Dispatcher) BuyerCallback(ctx context.Context, actor order.Actor, intentID string) (CallbackResult, error) {
	ctx, span := otel.Tracer("reconcile.Dispatcher").Start(ctx, "Dispatcher.BuyerCallback")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID))

	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return CallbackResult{}, fmt.Errorf("%w: paymentIntentId is required", order.ErrValidation)
	}
	o, err := d.resolve(ctx, intentID)
	if err != nil {
		return CallbackResult{}, err
	}
	if actor.Role != order.RoleAdmin && o.BuyerID != actor.UserID {
		return CallbackResult{}, order.ErrNotFound
	}
	intent, err := d.Gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return CallbackResult{}, fmt.Errorf("%w: processor does not know intent %s", order.ErrNotFound, intentID)
		}
		return CallbackResult{}, err
	}
	res := CallbackResult{OrderID: o.ID, Status: o.Status, IntentStatus: intent.Status}
	if intent.Amount != o.Amount || !strings.EqualFold(intent.Currency, o.Currency) {
		d.Logger.Warn().
			Str("order_id", o.ID).
			Str("payment_intent_id", intentID).
			Int64("order_amount", o.Amount).
			Int64("intent_amount", intent.Amount).
			Msg("callback_amount_mismatch")
		return res, fmt.Errorf("%w: payment intent amount does not match the order", order.ErrValidation)
	}
	target, settled := payment.TargetStatus(intent)
	if !settled {
		return res, nil
	}
	applied, err := d.Engine.ApplyTransition(ctx, o.ID, target, order.System())
	if err != nil {
		if !order.IsStateError(err) {
			return res, err
		}
		// A later status already superseded this signal.
		d.Logger.Info().Err(err).Str("order_id", o.ID).Str("payment_intent_id", intentID).Msg("callback_stale_signal")
		if latest, getErr := d.Engine.Store.Get(ctx, o.ID); getErr == nil {
			res.Status = latest.Status
		}
		return res, nil
	}
	res.Status = applied.Order.Status
	res.Applied = applied.Applied
	return res, nil
}

// Webhook verifies and applies a processor event. It returns an error only
// when the signature fails or the store could not be updated; in every other
// case the event must be acknowledged.
func (d *Dispatcher) Webhook(ctx context.Context, payload []byte, signature string) (res WebhookResult, err error) {
	ctx, span := otel.Tracer("reconcile.Dispatcher").Start(ctx, "Dispatcher.Webhook")
	defer span.End()

	evt, err := d.Gateway.VerifyWebhookSignature(payload, signature)
	if err != nil {
		obs.PaymentWebhookTotal.WithLabelValues("unknown", "unverified").Inc()
		d.Logger.Warn().Err(err).Msg("webhook_unverified")
		if !errors.Is(err, order.ErrUnverifiedSignature) {
			err = fmt.Errorf("%w: %v", order.ErrUnverifiedSignature, err)
		}
		return WebhookResult{}, err
	}
	res = WebhookResult{EventID: evt.ID}
	span.SetAttributes(attribute.String("webhook.event_id", evt.ID), attribute.String("webhook.type", evt.Type))
	defer func() {
		result := res.Outcome
		if err != nil {
			result = "error"
		}
		obs.PaymentWebhookTotal.WithLabelValues(evt.Type, result).Inc()
	}()

	target, known := payment.EventTarget(evt.Type)
	if !known || evt.IntentID == "" {
		res.Outcome = OutcomeIgnored
		d.Logger.Debug().Str("event_id", evt.ID).Str("type", evt.Type).Msg("webhook_ignored")
		return res, nil
	}
	if d.Replay != nil && evt.ID != "" {
		first, claimErr := d.Replay.Claim(ctx, evt.ID)
		if claimErr != nil {
			d.Logger.Warn().Err(claimErr).Str("event_id", evt.ID).Msg("webhook_replay_guard_unavailable")
		} else if !first {
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		defer func() {
			if err != nil || res.Outcome == OutcomeUnknownIntent {
				d.Replay.Release(ctx, evt.ID)
			}
		}()
	}

	log := d.Logger.With().Str("event_id", evt.ID).Str("payment_intent_id", evt.IntentID).Str("to", string(target)).Logger()
	o, err := d.resolve(ctx, evt.IntentID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			res.Outcome = OutcomeUnknownIntent
			log.Warn().Msg("webhook_unknown_intent")
			return res, nil
		}
		return res, err
	}
	res.OrderID = o.ID
	if evt.Intent.Amount != 0 && (evt.Intent.Amount != o.Amount || !strings.EqualFold(evt.Intent.Currency, o.Currency)) {
		res.Outcome = OutcomeMismatch
		log.Error().Str("order_id", o.ID).Int64("order_amount", o.Amount).Int64("intent_amount", evt.Intent.Amount).Msg("webhook_amount_mismatch")
		return res, nil
	}

	applied, err := d.Engine.ApplyTransition(ctx, o.ID, target, order.System())
	if err != nil {
		if order.IsStateError(err) {
			res.Outcome = OutcomeStale
			log.Info().Err(err).Str("order_id", o.ID).Msg("webhook_stale_signal")
			return res, nil
		}
		log.Error().Err(err).Str("order_id", o.ID).Msg("webhook_apply_failed")
		return res, err
	}
	res.Outcome = OutcomeNoop
	if applied.Applied {
		res.Outcome = OutcomeApplied
	}
	log.Info().Str("order_id", o.ID).Str("from", string(applied.From)).Str("outcome", res.Outcome).Msg("webhook_processed")
	return res, nil
}

// Manual applies a seller or admin status change.
func (d *Dispatcher) Manual(ctx context.Context, orderID string, target order.Status, actor order.Actor) (order.Result, error) {
	if actor.Role == order.RoleSystem {
		return order.Result{}, fmt.Errorf("%w: system transitions come from payment signals", order.ErrForbidden)
	}
	return d.Engine.ApplyTransition(ctx, orderID, target, actor)
}

// VerifyResult is the processor's view of an intent alongside the local order.
type VerifyResult struct {
	PaymentIntentID string       `json:"paymentIntentId"`
	IntentStatus    string       `json:"intentStatus"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	OrderID         string       `json:"orderId,omitempty"`
	OrderStatus     order.Status `json:"orderStatus,omitempty"`
}

// Verify reports the processor status of an intent without changing any order.
func (d *Dispatcher) Verify(ctx context.Context, actor order.Actor, intentID string) (VerifyResult, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return VerifyResult{}, fmt.Errorf("%w: paymentIntentId is required", order.ErrValidation)
	}
	o, err := d.Engine.Store.GetByPaymentIntent(ctx, intentID)
	switch {
	case err == nil:
		if actor.Role != order.RoleAdmin && o.BuyerID != actor.UserID {
			return VerifyResult{}, order.ErrNotFound
		}
	case errors.Is(err, order.ErrNotFound):
		if actor.Role != order.RoleAdmin {
			return VerifyResult{}, err
		}
	default:
		return VerifyResult{}, err
	}
	intent, err := d.Gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return VerifyResult{}, fmt.Errorf("%w: %v", order.ErrNotFound, err)
		}
		return VerifyResult{}, err
	}
	res := VerifyResult{PaymentIntentID: intent.ID, IntentStatus: intent.Status, Amount: intent.Amount, Currency: intent.Currency}
	if o != nil {
		res.OrderID = o.ID
		res.OrderStatus = o.Status
	}
	return res, nil
}

// SweepPending reconciles pending orders older than olderThan against the
// processor, covering webhooks that never arrive.
func (d *Dispatcher) SweepPending(ctx context.Context, olderThan time.Duration, batch int) (SweepReport, error) {
	if batch <= 0 {
		batch = 100
	}
	var report SweepReport
	orders, err := d.Engine.Store.ListPending(ctx, d.now().Add(-olderThan), batch)
	if err != nil {
		return report, err
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if o.PaymentIntentID == "" {
			report.Pending++
			continue
		}
		intent, err := d.Gateway.RetrieveIntent(ctx, o.PaymentIntentID)
		if err != nil {
			report.Errors++
			d.Logger.Warn().Err(err).Str("order_id", o.ID).Str("payment_intent_id", o.PaymentIntentID).Msg("sweep_retrieve_failed")
			continue
		}
		target, settled := payment.TargetStatus(intent)
		if !settled {
			report.Pending++
			continue
		}
		if intent.Amount != o.Amount || !strings.EqualFold(intent.Currency, o.Currency) {
			report.Errors++
			d.Logger.Error().Str("order_id", o.ID).Str("payment_intent_id", o.PaymentIntentID).Msg("sweep_settlement_mismatch")
			continue
		}
		if _, err := d.Engine.ApplyTransition(ctx, o.ID, target, order.System()); err != nil && !order.IsStateError(err) {
			report.Errors++
			d.Logger.Warn().Err(err).Str("order_id", o.ID).Msg("sweep_apply_failed")
			continue
		}
		if target == order.StatusCompleted {
			report.Completed++
		} else {
			report.Failed++
		}
	}
	d.Logger.Info().
		Int("checked", report.Checked).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("pending", report.Pending).
		Int("errors", report.Errors).
		Msg("pending_sweep")
	return report, nil
}
