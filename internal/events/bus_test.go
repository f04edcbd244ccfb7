package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/events"
)

type stubStore struct {
	events []events.Event
	err    error
}

func (s *stubStore) InsertDomainEvent(_ context.Context, ev events.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}, Now: func() time.Time { return fixed }}

	ev, err := bus.Emit(context.Background(), events.TopicOrderCompleted, "order-1", events.OrderStatusChanged{OrderID: "order-1", To: "completed"})
	require.NoError(t, err)
	require.Len(t, store.events, 1)
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, notifier.events[0].ID)
	require.Equal(t, fixed, ev.OccurredAt)

	var decoded events.OrderStatusChanged
	require.NoError(t, ev.Decode(&decoded))
	require.Equal(t, "completed", decoded.To)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	failing := &captureNotifier{err: errors.New("smtp down")}
	healthy := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{failing, nil, healthy}}

	_, err := bus.Emit(context.Background(), events.TopicOrderDispatched, "order-1", `{"orderId":"order-1"}`)
	require.ErrorContains(t, err, "smtp down")
	require.Len(t, healthy.events, 1)
	require.JSONEq(t, `{"orderId":"order-1"}`, string(healthy.events[0].Payload))
}

func TestEmitRejectsInvalidInput(t *testing.T) {
	bus := events.Bus{}
	_, err := bus.Emit(context.Background(), " ", "order-1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, "order-1", "not json")
	require.Error(t, err)

	store := &stubStore{err: errors.New("db down")}
	notifier := &captureNotifier{}
	bus = events.Bus{Store: store, Notifiers: []events.Notifier{notifier}}
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, "order-1", nil)
	require.ErrorContains(t, err, "persist event")
	require.Empty(t, notifier.events)
}
