package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/obs"
)

// Emitter publishes domain events after a state change has been committed.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Engine is the single entry point for creating orders and changing their status.
type Engine struct {
	Store  Store
	Events Emitter
	Logger zerolog.Logger
	// SplitBySeller partitions multi-seller orders into per-seller sub-orders
	// once payment completes.
	SplitBySeller bool
	// EmitTimeout bounds event fan-out after a committed change. Zero means
	// DefaultEmitTimeout.
	EmitTimeout time.Duration
	Now         func() time.Time
}

// DefaultEmitTimeout is used when Engine.EmitTimeout is zero.
const DefaultEmitTimeout = 5 * time.Second

// Result describes the outcome of ApplyTransition.
type Result struct {
	Order *Order
	From  Status
	// Applied is false when the order already was in the requested status.
	Applied bool
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Create validates and persists a new pending order.
func (e *Engine) Create(ctx context.Context, o *Order) error {
	ctx, span := otel.Tracer("order.Engine").Start(ctx, "OrderEngine.Create")
	defer span.End()

	if err := o.Validate(); err != nil {
		return err
	}
	now := e.now()
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.OrderNumber == "" {
		o.OrderNumber = NewOrderNumber(o.ID, now)
	}
	o.Status = StatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("payment.intent_id", o.PaymentIntentID))
	if err := e.Store.Create(ctx, o); err != nil {
		span.RecordError(err)
		return err
	}
	e.emit(ctx, events.TopicOrderCreated, o, "", RoleBuyer)
	return nil
}

// ApplyTransition moves an order to target on behalf of actor. Re-applying the
// current status succeeds without writing. The write is a compare-and-set on the
// status read here, so a concurrent change makes it fail with ErrConflict.
func (e *Engine) ApplyTransition(ctx context.Context, orderID string, target Status, actor Actor) (res Result, err error) {
	ctx, span := otel.Tracer("order.Engine").Start(ctx, "OrderEngine.ApplyTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target", string(target)),
		attribute.String("actor.role", string(actor.Role)),
	)
	outcome := "error"
	defer func() {
		obs.OrderTransitionTotal.WithLabelValues(string(actor.Role), string(target), outcome).Inc()
		if err != nil {
			span.RecordError(err)
		}
	}()

	if !target.Valid() {
		outcome = "invalid"
		return res, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if !RoleMayRequest(actor.Role, target) {
		outcome = "forbidden"
		return res, fmt.Errorf("%w: role %s may not set status %s", ErrForbidden, actor.Role, target)
	}
	o, err := e.Store.Get(ctx, orderID)
	if err != nil {
		return res, err
	}
	if actor.Role == RoleSeller {
		if o.SplitProcessed {
			outcome = "forbidden"
			return res, fmt.Errorf("%w: order was split per seller, update the seller sub-order", ErrForbidden)
		}
		if !actor.OwnsAny(o) {
			outcome = "forbidden"
			return res, fmt.Errorf("%w: seller owns no items in this order", ErrForbidden)
		}
	}
	res = Result{Order: o, From: o.Status}
	if o.Status == target {
		outcome = "noop"
		e.splitIfDue(ctx, o)
		return res, nil
	}
	if !CanTransition(actor.Role, o.Status, target) {
		outcome = "invalid"
		return res, &TransitionError{Current: o.Status, Requested: target}
	}

	now := e.now()
	ok, err := e.Store.CompareAndSetStatus(ctx, o.ID, o.Status, target, now)
	if err != nil {
		return res, err
	}
	if !ok {
		latest, getErr := e.Store.Get(ctx, o.ID)
		if getErr != nil {
			return res, getErr
		}
		if latest.Status == target {
			outcome = "noop"
			e.splitIfDue(ctx, latest)
			return Result{Order: latest, From: latest.Status}, nil
		}
		outcome = "conflict"
		return res, fmt.Errorf("%w: status changed from %s to %s", ErrConflict, o.Status, latest.Status)
	}
	outcome = "applied"
	o.Status = target
	o.UpdatedAt = now
	res.Applied = true

	e.Logger.Info().
		Str("order_id", o.ID).
		Str("payment_intent_id", o.PaymentIntentID).
		Str("from", string(res.From)).
		Str("to", string(target)).
		Str("role", string(actor.Role)).
		Str("actor_id", actor.UserID).
		Msg("order_transition")
	e.emit(ctx, events.StatusTopic(string(target)), o, res.From, actor.Role)
	e.splitIfDue(ctx, o)
	return res, nil
}

// splitIfDue splits a completed parent that has not been split yet. It runs on
// redelivered completion signals too, so a failed split is retried.
func (e *Engine) splitIfDue(ctx context.Context, o *Order) {
	if !e.SplitBySeller || o.Status != StatusCompleted || o.SplitProcessed || o.ParentOrderID != "" {
		return
	}
	if _, err := e.SplitBySellers(ctx, o); err != nil {
		e.Logger.Error().Err(err).Str("order_id", o.ID).Msg("order_split_failed")
	}
}

// publish emits on a context detached from the caller and bounded by
// EmitTimeout. Failures are logged and never returned.
func (e *Engine) publish(ctx context.Context, topic, aggregateID string, payload any) {
	timeout := e.EmitTimeout
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := e.Events.Emit(ctx, topic, aggregateID, payload)
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		e.Logger.Warn().Err(err).Str("order_id", aggregateID).Str("topic", topic).Msg("order_event_failed")
	}
}

// SplitBySellers partitions a completed multi-seller order into one sub-order per
// seller. Sub-orders start in the parent's status and evolve independently. It is
// idempotent: a parent is split at most once.
func (e *Engine) SplitBySellers(ctx context.Context, parent *Order) ([]Order, error) {
	sellers := parent.SellerIDs()
	if len(sellers) < 2 || parent.SplitProcessed || parent.ParentOrderID != "" {
		return nil, nil
	}
	if parent.Status != StatusCompleted {
		return nil, &TransitionError{Current: parent.Status, Requested: StatusCompleted}
	}
	now := e.now()
	children := make([]Order, 0, len(sellers))
	var total int64
	for i, seller := range sellers {
		child := Order{
			ID:            NewID(),
			OrderNumber:   parent.OrderNumber + "-" + strconv.Itoa(i+1),
			BuyerID:       parent.BuyerID,
			BuyerName:     parent.BuyerName,
			BuyerEmail:    parent.BuyerEmail,
			Currency:      parent.Currency,
			Status:        parent.Status,
			ParentOrderID: parent.ID,
			SellerID:      seller,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, it := range parent.Items {
			if it.SellerID == seller {
				child.Items = append(child.Items, it)
			}
		}
		child.Amount = child.ItemsTotal()
		total += child.Amount
		children = append(children, child)
	}
	if total > parent.Amount {
		return nil, fmt.Errorf("%w: sub-order total %d exceeds authorized amount %d", ErrValidation, total, parent.Amount)
	}
	ok, err := e.Store.SplitOrder(ctx, parent.ID, children, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	parent.SplitProcessed = true
	e.Logger.Info().Str("order_id", parent.ID).Int("sub_orders", len(children)).Msg("order_split")
	if e.Events != nil {
		ids := make([]string, 0, len(children))
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		e.publish(ctx, events.TopicOrderSplit, parent.ID, map[string]any{"orderId": parent.ID, "subOrderIds": ids})
	}
	return children, nil
}

// emit publishes the status event. Failures are logged and never returned.
func (e *Engine) emit(ctx context.Context, topic string, o *Order, from Status, role Role) {
	if e.Events == nil {
		return
	}
	payload := events.OrderStatusChanged{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		ParentOrderID:   o.ParentOrderID,
		PaymentIntentID: o.PaymentIntentID,
		BuyerID:         o.BuyerID,
		BuyerName:       o.BuyerName,
		BuyerEmail:      o.BuyerEmail,
		From:            string(from),
		To:              string(o.Status),
		ActorRole:       string(role),
		Amount:          o.Amount,
		Currency:        o.Currency,
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
	for _, it := range o.Items {
		payload.Items = append(payload.Items, events.OrderItem{
			ProductID: it.ProductID,
			SellerID:  it.SellerID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Image:     it.Image,
		})
	}
	e.publish(ctx, topic, o.ID, payload)
}

// IsStateError reports whether err is a state machine rejection rather than a failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict)
}
