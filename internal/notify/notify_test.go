package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/events"
)

func statusEvent(t *testing.T, topic, to string) events.Event {
	t.Helper()
	payload, err := json.Marshal(events.OrderStatusChanged{
		OrderID:     "o-1",
		OrderNumber: "M1-20240501-ABCDEF",
		BuyerID:     "u-1",
		BuyerName:   "Ana",
		BuyerEmail:  "ana@example.com",
		From:        "pending",
		To:          to,
		Amount:      3498,
		Currency:    "usd",
		Items: []events.OrderItem{
			{ProductID: 1, Name: "Mug", UnitPrice: 1249, Quantity: 2},
			{ProductID: 2, Name: "Print <A4>", UnitPrice: 1000, Quantity: 1},
		},
	})
	require.NoError(t, err)
	return events.Event{ID: "evt-" + to, Topic: topic, AggregateID: "o-1", Payload: payload, OccurredAt: time.Now().UTC()}
}

func TestRenderInvoice(t *testing.T) {
	var change events.OrderStatusChanged
	ev := statusEvent(t, events.TopicOrderCompleted, "completed")
	require.NoError(t, ev.Decode(&change))

	msg, ok, err := Render(ev.Topic, change, "orders@m1cart.local")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ana@example.com", msg.To)
	require.Equal(t, "Invoice for order M1-20240501-ABCDEF", msg.Subject)
	require.Contains(t, msg.Text, "Mug x2: 24.98 USD")
	require.Contains(t, msg.Text, "Total: 34.98 USD")
	require.Contains(t, msg.HTML, "Print &lt;A4&gt;")
}

func TestRenderStatusAndSkips(t *testing.T) {
	var change events.OrderStatusChanged
	ev := statusEvent(t, events.TopicOrderDispatched, "dispatched")
	require.NoError(t, ev.Decode(&change))
	msg, ok, err := Render(ev.Topic, change, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, msg.Text, "is now dispatched")
	require.Empty(t, msg.HTML)

	_, ok, err = Render(events.TopicOrderCancelled, change, "")
	require.NoError(t, err)
	require.False(t, ok)

	change.BuyerEmail = ""
	_, ok, err = Render(events.TopicOrderDispatched, change, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFormatMinor(t *testing.T) {
	require.Equal(t, "0.00", FormatMinor(0))
	require.Equal(t, "10.05", FormatMinor(1005))
	require.Equal(t, "-1.50", FormatMinor(-150))
}

type fakeTaskClient struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeTaskClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestEmailEnqueuerFiltersTopics(t *testing.T) {
	client := &fakeTaskClient{}
	n := EmailEnqueuer{Client: client, Logger: zerolog.Nop()}
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCompleted, "completed")))
	require.NoError(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCancelled, "cancelled")))
	require.NoError(t, n.Notify(ctx, statusEvent(t, events.TopicOrderDelivered, "delivered")))
	require.Len(t, client.tasks, 2)
	require.Equal(t, TaskOrderEmail, client.tasks[0].Type())

	client.err = asynq.ErrTaskIDConflict
	require.NoError(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCompleted, "completed")))

	client.err = errors.New("redis down")
	require.Error(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCompleted, "completed")))
}

func TestEmailWorkerSends(t *testing.T) {
	client := &fakeTaskClient{}
	sender := &InMemorySender{}
	worker := EmailWorker{Sender: sender, From: "orders@m1cart.local", Logger: zerolog.Nop()}
	ctx := context.Background()

	require.NoError(t, EmailEnqueuer{Client: client}.Notify(ctx, statusEvent(t, events.TopicOrderCompleted, "completed")))
	require.Len(t, client.tasks, 1)
	require.NoError(t, worker.ProcessTask(ctx, client.tasks[0]))

	sent := sender.SentTo("ANA@example.com")
	require.Len(t, sent, 1)
	require.Equal(t, "orders@m1cart.local", sent[0].From)

	err := worker.ProcessTask(ctx, asynq.NewTask(TaskOrderEmail, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakePublisher struct {
	keys []string
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestBrokerNotifierPublishesEveryTopic(t *testing.T) {
	pub := &fakePublisher{}
	n := BrokerNotifier{Publisher: pub, Logger: zerolog.Nop()}
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCancelled, "cancelled")))
	require.NoError(t, n.Notify(ctx, events.Event{ID: "e2", Topic: events.TopicOrderSplit, Payload: json.RawMessage(`{}`)}))
	require.Equal(t, []string{events.TopicOrderCancelled, events.TopicOrderSplit}, pub.keys)

	pub.err = errors.New("channel closed")
	require.Error(t, n.Notify(ctx, statusEvent(t, events.TopicOrderCompleted, "completed")))
}
