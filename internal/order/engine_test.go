package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/order/ordertest"
)

type captureEmitter struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (c *captureEmitter) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, c.err
}

func (c *captureEmitter) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

var (
	seller7 = order.Actor{UserID: "seller-a", Role: order.RoleSeller, ProductIDs: []int64{7}}
	sellerB = order.Actor{UserID: "seller-b", Role: order.RoleSeller, ProductIDs: []int64{9}}
	admin   = order.Actor{UserID: "admin-1", Role: order.RoleAdmin}
	buyer   = order.Actor{UserID: "buyer-1", Role: order.RoleBuyer}
)

func newEngine(t *testing.T) (*order.Engine, *ordertest.MemStore, *captureEmitter) {
	t.Helper()
	store := ordertest.New()
	emitter := &captureEmitter{}
	eng := &order.Engine{
		Store:  store,
		Events: emitter,
		Logger: zerolog.Nop(),
		Now:    tickingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	return eng, store, emitter
}

// tickingClock advances one second per call.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		start = start.Add(time.Second)
		return start
	}
}

func yogaMatOrder(intent string) *order.Order {
	return &order.Order{
		BuyerID:         "buyer-1",
		PaymentIntentID: intent,
		Amount:          5998,
		Currency:        "usd",
		Items: []order.Item{
			{ProductID: 7, SellerID: "seller-a", Name: "Yoga Mat", UnitPrice: 2999, Quantity: 2},
		},
	}
}

func createOrder(t *testing.T, eng *order.Engine, o *order.Order) *order.Order {
	t.Helper()
	require.NoError(t, eng.Create(context.Background(), o))
	return o
}

func TestCreateStartsPending(t *testing.T) {
	eng, store, emitter := newEngine(t)
	o := createOrder(t, eng, yogaMatOrder("pi_1"))

	require.NotEmpty(t, o.ID)
	require.Regexp(t, `^M1-20240301-[0-9A-F]{6}$`, o.OrderNumber)
	require.Equal(t, order.StatusPending, o.Status)
	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, o.CreatedAt, stored.CreatedAt)
	require.Equal(t, []string{events.TopicOrderCreated}, emitter.Topics())
}

func TestCreateValidation(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	bad := yogaMatOrder("pi_1")
	bad.Amount = 0
	require.ErrorIs(t, eng.Create(ctx, bad), order.ErrInvalidAmount)

	bad = yogaMatOrder("pi_1")
	bad.Items = nil
	require.ErrorIs(t, eng.Create(ctx, bad), order.ErrValidation)

	bad = yogaMatOrder("pi_1")
	bad.Items[0].Quantity = 0
	require.ErrorIs(t, eng.Create(ctx, bad), order.ErrValidation)
}

func TestCreateRejectsDuplicateIntent(t *testing.T) {
	eng, store, _ := newEngine(t)
	createOrder(t, eng, yogaMatOrder("pi_dup"))
	err := eng.Create(context.Background(), yogaMatOrder("pi_dup"))
	require.ErrorIs(t, err, order.ErrDuplicateIntent)
	require.ErrorIs(t, err, order.ErrConflict)
	require.Equal(t, 1, store.Len())
}

func TestCreateConcurrentSameIntent(t *testing.T) {
	eng, store, _ := newEngine(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eng.Create(context.Background(), yogaMatOrder("pi_race")); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, 1, store.Len())
}

func TestCompletedTwiceIsIdempotent(t *testing.T) {
	eng, _, emitter := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))

	res, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, order.StatusPending, res.From)
	updatedAt := res.Order.UpdatedAt
	require.True(t, updatedAt.After(o.CreatedAt))

	res, err = eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, order.StatusCompleted, res.Order.Status)
	require.Equal(t, updatedAt, res.Order.UpdatedAt)
	require.Equal(t, []string{events.TopicOrderCreated, events.TopicOrderCompleted}, emitter.Topics())
}

func TestSellerCannotRefundInAnyState(t *testing.T) {
	for _, st := range order.AllStatuses {
		t.Run(string(st), func(t *testing.T) {
			eng, store, _ := newEngine(t)
			o := createOrder(t, eng, yogaMatOrder("pi_"+string(st)))
			store.ForceStatus(o.ID, st)
			_, err := eng.ApplyTransition(context.Background(), o.ID, order.StatusRefunded, seller7)
			require.ErrorIs(t, err, order.ErrForbidden)
		})
	}
}

func TestCannotSkipFromPendingToDispatched(t *testing.T) {
	eng, store, _ := newEngine(t)
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(context.Background(), o.ID, order.StatusDispatched, seller7)

	var te *order.TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, order.StatusPending, te.Current)
	require.Equal(t, order.StatusDispatched, te.Requested)
	require.ErrorIs(t, err, order.ErrInvalidTransition)

	stored, _ := store.Get(context.Background(), o.ID)
	require.Equal(t, order.StatusPending, stored.Status)
}

func TestSellerDispatchThenAdminDispatchForbidden(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)

	res, err := eng.ApplyTransition(ctx, o.ID, order.StatusDispatched, seller7)
	require.NoError(t, err)
	require.Equal(t, order.StatusDispatched, res.Order.Status)

	_, err = eng.ApplyTransition(ctx, o.ID, order.StatusDispatched, admin)
	require.ErrorIs(t, err, order.ErrForbidden)

	res, err = eng.ApplyTransition(ctx, o.ID, order.StatusDispatched, seller7)
	require.NoError(t, err)
	require.False(t, res.Applied)
}

func TestSellerMustOwnAnItem(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)

	_, err = eng.ApplyTransition(ctx, o.ID, order.StatusDispatched, sellerB)
	require.ErrorIs(t, err, order.ErrForbidden)
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(ctx, o.ID, order.StatusFailed, order.System())
	require.NoError(t, err)

	_, err = eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.ErrorIs(t, err, order.ErrInvalidTransition)
	_, err = eng.ApplyTransition(ctx, o.ID, order.StatusCancelled, admin)
	require.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestAdminCancelFromUnfilled(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	for _, step := range []struct {
		to    order.Status
		actor order.Actor
	}{
		{order.StatusCompleted, order.System()},
		{order.StatusUnfilled, seller7},
		{order.StatusCancelled, admin},
	} {
		_, err := eng.ApplyTransition(ctx, o.ID, step.to, step.actor)
		require.NoError(t, err, "to %s", step.to)
	}
}

func TestBuyerCannotTransition(t *testing.T) {
	eng, _, _ := newEngine(t)
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(context.Background(), o.ID, order.StatusCancelled, buyer)
	require.ErrorIs(t, err, order.ErrForbidden)
}

func TestUnknownOrderAndStatus(t *testing.T) {
	eng, _, _ := newEngine(t)
	_, err := eng.ApplyTransition(context.Background(), "missing", order.StatusCancelled, admin)
	require.ErrorIs(t, err, order.ErrNotFound)
	_, err = eng.ApplyTransition(context.Background(), "missing", order.Status("shipped"), admin)
	require.ErrorIs(t, err, order.ErrValidation)
}

func TestLostCASRaceReportsConflict(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	store.BeforeCAS = func(id string) {
		store.BeforeCAS = nil
		store.ForceStatus(id, order.StatusFailed)
	}
	_, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.ErrorIs(t, err, order.ErrConflict)

	stored, _ := store.Get(ctx, o.ID)
	require.Equal(t, order.StatusFailed, stored.Status)
}

func TestLostCASRaceToSameTargetIsNoop(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	store.BeforeCAS = func(id string) {
		store.BeforeCAS = nil
		store.ForceStatus(id, order.StatusCompleted)
	}
	res, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.False(t, res.Applied)
}

func TestConcurrentConflictingSignals(t *testing.T) {
	eng, store, _ := newEngine(t)
	ctx := context.Background()
	o := createOrder(t, eng, yogaMatOrder("pi_1"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, target := range []order.Status{order.StatusCompleted, order.StatusFailed} {
		wg.Add(1)
		go func(i int, target order.Status) {
			defer wg.Done()
			_, errs[i] = eng.ApplyTransition(ctx, o.ID, target, order.System())
		}(i, target)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, order.IsStateError(err), "unexpected error %v", err)
			failures++
		}
	}
	require.Equal(t, 1, failures)
	stored, _ := store.Get(ctx, o.ID)
	require.Contains(t, []order.Status{order.StatusCompleted, order.StatusFailed}, stored.Status)
}

func TestEventFailureDoesNotFailTransition(t *testing.T) {
	eng, _, emitter := newEngine(t)
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	emitter.err = errors.New("broker down")

	res, err := eng.ApplyTransition(context.Background(), o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func multiSellerOrder(intent string) *order.Order {
	return &order.Order{
		BuyerID:         "buyer-1",
		PaymentIntentID: intent,
		Amount:          7998,
		Currency:        "usd",
		Items: []order.Item{
			{ProductID: 7, SellerID: "seller-a", Name: "Yoga Mat", UnitPrice: 2999, Quantity: 2},
			{ProductID: 9, SellerID: "seller-b", Name: "Foam Block", UnitPrice: 2000, Quantity: 1},
		},
	}
}

func TestSplitBySellerOnCompletion(t *testing.T) {
	eng, store, emitter := newEngine(t)
	eng.SplitBySeller = true
	ctx := context.Background()
	parent := createOrder(t, eng, multiSellerOrder("pi_split"))

	_, err := eng.ApplyTransition(ctx, parent.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)

	children := store.Children(parent.ID)
	require.Len(t, children, 2)
	var total int64
	for _, c := range children {
		total += c.Amount
		require.Equal(t, order.StatusCompleted, c.Status)
		require.Empty(t, c.PaymentIntentID)
		require.Len(t, c.Items, 1)
		require.Equal(t, c.SellerID, c.Items[0].SellerID)
	}
	require.LessOrEqual(t, total, parent.Amount)
	require.Contains(t, emitter.Topics(), events.TopicOrderSplit)

	stored, _ := store.Get(ctx, parent.ID)
	require.True(t, stored.SplitProcessed)

	_, err = eng.ApplyTransition(ctx, parent.ID, order.StatusDispatched, seller7)
	require.ErrorIs(t, err, order.ErrForbidden)

	var sellerAChild order.Order
	for _, c := range children {
		if c.SellerID == "seller-a" {
			sellerAChild = c
		}
	}
	_, err = eng.ApplyTransition(ctx, sellerAChild.ID, order.StatusDispatched, seller7)
	require.NoError(t, err)

	again, err := eng.SplitBySellers(ctx, stored)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Len(t, store.Children(parent.ID), 2)
}

func TestSplitSkipsSingleSeller(t *testing.T) {
	eng, store, _ := newEngine(t)
	eng.SplitBySeller = true
	o := createOrder(t, eng, yogaMatOrder("pi_1"))
	_, err := eng.ApplyTransition(context.Background(), o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.Empty(t, store.Children(o.ID))
}

type blockingEmitter struct{}

func (blockingEmitter) Emit(ctx context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	<-ctx.Done()
	return events.Event{}, ctx.Err()
}

func TestStalledNotifierDoesNotBlockTransition(t *testing.T) {
	store := ordertest.New()
	eng := &order.Engine{Store: store, Events: blockingEmitter{}, Logger: zerolog.Nop(), EmitTimeout: 50 * time.Millisecond}
	o := yogaMatOrder("pi_stall")
	require.NoError(t, eng.Create(context.Background(), o))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := eng.ApplyTransition(ctx, o.ID, order.StatusCompleted, order.System())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transition blocked on event fan-out")
	}
	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, stored.Status)
}

func TestFailedSplitRetriedOnRedeliveredCompletion(t *testing.T) {
	eng, store, _ := newEngine(t)
	eng.SplitBySeller = true
	ctx := context.Background()
	parent := createOrder(t, eng, multiSellerOrder("pi_split_retry"))

	store.SplitErr = errors.New("db unavailable")
	res, err := eng.ApplyTransition(ctx, parent.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Empty(t, store.Children(parent.ID))

	res, err = eng.ApplyTransition(ctx, parent.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Len(t, store.Children(parent.ID), 2)
	stored, _ := store.Get(ctx, parent.ID)
	require.True(t, stored.SplitProcessed)
}
