package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/catalog"
	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/payment"
	"github.com/noah-isme/m1cart-orders/internal/queue"
	"github.com/noah-isme/m1cart-orders/internal/resilience"
)

var hundred = decimal.NewFromInt(100)

// Catalog provides the product snapshot copied into new orders.
type Catalog interface {
	Snapshot(ctx context.Context, ids []int64) (map[int64]catalog.Product, error)
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Locker serialises work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// ItemInput is one requested line. Price, when sent, must match the catalog.
type ItemInput struct {
	ProductID int64            `json:"productId" validate:"required,gt=0"`
	Quantity  int              `json:"quantity" validate:"required,min=1,max=1000"`
	Name      string           `json:"name,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Category  string           `json:"category,omitempty"`
	Image     string           `json:"image,omitempty"`
}

// Input is the checkout request. Amount is in major units.
type Input struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Items    []ItemInput     `json:"items" validate:"required,min=1,max=100,dive"`
}

// Output is returned to the buyer to confirm the payment client-side.
type Output struct {
	OrderID         string       `json:"orderId"`
	OrderNumber     string       `json:"orderNumber"`
	PaymentIntentID string       `json:"paymentIntentId"`
	ClientSecret    string       `json:"clientSecret"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	Status          order.Status `json:"status"`
	// Deferred is set when the order record will be created by the adoption worker.
	Deferred bool `json:"deferred,omitempty"`
}

// Service creates orders backed by a processor payment intent.
type Service struct {
	Engine  *order.Engine
	Gateway payment.Gateway
	Catalog Catalog
	Drafts  *DraftStore
	Queue   Enqueuer
	Locker  Locker
	Events  order.Emitter
	Logger  zerolog.Logger

	Currency        string
	PaymentTimeout  time.Duration
	PersistAttempts int
	PersistBackoff  time.Duration
	LockTTL         time.Duration
}

// ToMinorUnits converts a major-unit amount to minor units, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// Create validates the request against the catalog, opens a payment intent and
// persists the pending order.
func (s *Service) Create(ctx context.Context, buyer auth.Principal, in Input) (Output, error) {
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.Create")
	defer span.End()

	if strings.TrimSpace(buyer.UserID) == "" {
		return Output{}, order.ErrUnauthorized
	}
	if err := common.ValidateStruct(in); err != nil {
		return Output{}, err
	}
	amount := ToMinorUnits(in.Amount)
	if amount <= 0 {
		return Output{}, order.ErrInvalidAmount
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.Currency
	}
	if currency == "" {
		currency = "usd"
	}

	items, err := s.snapshotItems(ctx, in.Items)
	if err != nil {
		return Output{}, err
	}
	draft := &order.Order{
		ID:         order.NewID(),
		BuyerID:    buyer.UserID,
		BuyerName:  buyer.Name,
		BuyerEmail: buyer.Email,
		Amount:     amount,
		Currency:   currency,
		Items:      items,
	}
	if total := draft.ItemsTotal(); total != amount {
		return Output{}, fmt.Errorf("%w: amount %d does not match items total %d", order.ErrValidation, amount, total)
	}
	span.SetAttributes(attribute.String("order.id", draft.ID), attribute.Int64("order.amount", amount))

	intent, err := s.createIntent(ctx, draft)
	if err != nil {
		return Output{}, err
	}
	draft.PaymentIntentID = intent.ID
	out := Output{
		OrderID:         draft.ID,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          amount,
		Currency:        currency,
		Status:          order.StatusPending,
	}

	persisted, err := s.persist(ctx, draft)
	if err == nil {
		out.OrderID = persisted.ID
		out.OrderNumber = persisted.OrderNumber
		out.Status = persisted.Status
		return out, nil
	}
	if errors.Is(err, order.ErrValidation) {
		return Output{}, err
	}
	if deferErr := s.deferAdoption(ctx, draft); deferErr != nil {
		s.Logger.Error().Err(errors.Join(err, deferErr)).
			Str("order_id", draft.ID).
			Str("payment_intent_id", intent.ID).
			Msg("checkout_unreconciled_intent")
		return Output{}, fmt.Errorf("persist order for intent %s: %w", intent.ID, err)
	}
	s.Logger.Warn().Err(err).Str("order_id", draft.ID).Str("payment_intent_id", intent.ID).Msg("checkout_persist_deferred")
	out.Deferred = true
	return out, nil
}

func (s *Service) snapshotItems(ctx context.Context, in []ItemInput) ([]order.Item, error) {
	ids := make([]int64, 0, len(in))
	for _, it := range in {
		ids = append(ids, it.ProductID)
	}
	products, err := s.Catalog.Snapshot(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]order.Item, 0, len(in))
	for _, it := range in {
		p := products[it.ProductID]
		if it.Price != nil && ToMinorUnits(*it.Price) != p.Price {
			return nil, fmt.Errorf("%w: price of product %d changed", order.ErrValidation, p.ID)
		}
		items = append(items, order.Item{
			ProductID: p.ID,
			SellerID:  p.SellerID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Category:  p.Category,
			Image:     p.Image,
			Quantity:  it.Quantity,
		})
	}
	return items, nil
}

func (s *Service) createIntent(ctx context.Context, draft *order.Order) (payment.Intent, error) {
	timeout := s.PaymentTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	intent, err := s.Gateway.CreateIntent(callCtx, payment.IntentRequest{
		Amount:   draft.Amount,
		Currency: draft.Currency,
		Metadata: map[string]string{
			"order_id": draft.ID,
			"buyer_id": draft.BuyerID,
		},
		IdempotencyKey: "checkout-" + draft.ID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, order.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", order.ErrUpstreamUnavailable, err)
		}
		s.Logger.Warn().Err(err).Str("order_id", draft.ID).Msg("checkout_intent_failed")
		return payment.Intent{}, err
	}
	return intent, nil
}

// persist creates the order, retrying transient store failures with backoff.
func (s *Service) persist(ctx context.Context, draft *order.Order) (*order.Order, error) {
	attempts := s.PersistAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := s.PersistBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		o := *draft
		err = s.Engine.Create(ctx, &o)
		switch {
		case err == nil:
			return &o, nil
		case errors.Is(err, order.ErrDuplicateIntent):
			return s.Engine.Store.GetByPaymentIntent(ctx, draft.PaymentIntentID)
		case errors.Is(err, order.ErrValidation):
			return nil, err
		}
		if attempt < attempts {
			if sleepErr := resilience.Sleep(ctx, resilience.Backoff(base, attempt, 0.2)); sleepErr != nil {
				return nil, errors.Join(err, sleepErr)
			}
		}
	}
	return nil, err
}

func (s *Service) deferAdoption(ctx context.Context, draft *order.Order) error {
	if s.Drafts == nil || s.Queue == nil {
		return errors.New("adoption not configured")
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.Drafts.Save(ctx, draft); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return s.Queue.Enqueue(ctx, queue.Task{
		Kind:           queue.KindAdoptIntent,
		Payload:        []byte(draft.PaymentIntentID),
		IdempotencyKey: draft.PaymentIntentID,
	})
}

// Adopt persists draft as the order for its payment intent. It is idempotent:
// when an order already exists for the intent that order is returned.
func (s *Service) Adopt(ctx context.Context, draft *order.Order) (adopted *order.Order, err error) {
	if draft == nil || draft.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: draft must carry a payment intent", order.ErrValidation)
	}
	result := "error"
	defer func() { obs.CheckoutAdoptionTotal.WithLabelValues(result).Inc() }()

	run := func(ctx context.Context) error {
		existing, getErr := s.Engine.Store.GetByPaymentIntent(ctx, draft.PaymentIntentID)
		if getErr == nil {
			adopted, result = existing, "existing"
			return nil
		}
		if !errors.Is(getErr, order.ErrNotFound) {
			return getErr
		}
		o := *draft
		if createErr := s.Engine.Create(ctx, &o); createErr != nil {
			if errors.Is(createErr, order.ErrDuplicateIntent) {
				existing, getErr = s.Engine.Store.GetByPaymentIntent(ctx, draft.PaymentIntentID)
				adopted, result = existing, "existing"
				return getErr
			}
			return createErr
		}
		adopted, result = &o, "adopted"
		return nil
	}
	if s.Locker != nil {
		err = s.Locker.WithLock(ctx, "adopt:"+draft.PaymentIntentID, s.LockTTL, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	if s.Drafts != nil {
		if delErr := s.Drafts.Delete(ctx, draft.PaymentIntentID); delErr != nil {
			s.Logger.Warn().Err(delErr).Str("payment_intent_id", draft.PaymentIntentID).Msg("checkout_draft_cleanup_failed")
		}
	}
	if result == "adopted" {
		s.Logger.Info().Str("order_id", adopted.ID).Str("payment_intent_id", adopted.PaymentIntentID).Msg("checkout_intent_adopted")
		if s.Events != nil {
			if _, emitErr := s.Events.Emit(ctx, events.TopicIntentAdopted, adopted.ID, map[string]string{
				"orderId":         adopted.ID,
				"paymentIntentId": adopted.PaymentIntentID,
			}); emitErr != nil {
				s.Logger.Warn().Err(emitErr).Str("order_id", adopted.ID).Msg("order_event_failed")
			}
		}
	}
	return adopted, nil
}

// AdoptPending adopts the stored draft for intentID.
func (s *Service) AdoptPending(ctx context.Context, intentID string) (*order.Order, error) {
	if s.Drafts == nil {
		return nil, order.ErrNotFound
	}
	draft, err := s.Drafts.Load(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return s.Adopt(ctx, draft)
}

// HandleAdoptTask is the queue handler for KindAdoptIntent tasks.
func (s *Service) HandleAdoptTask(ctx context.Context, task queue.Task) error {
	intentID := string(task.Payload)
	_, err := s.AdoptPending(ctx, intentID)
	if errors.Is(err, order.ErrNotFound) {
		// adopted earlier, by a webhook or a previous attempt
		return nil
	}
	return err
}
