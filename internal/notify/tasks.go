package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/obs"
)

// TaskOrderEmail is the asynq task type carrying a buyer email event.
const TaskOrderEmail = "notify:order_email"

// TaskClient is the subset of asynq.Client used to enqueue email tasks.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ TaskClient = (*asynq.Client)(nil)

// EmailEnqueuer turns buyer-facing order events into email tasks.
type EmailEnqueuer struct {
	Client   TaskClient
	Queue    string
	MaxRetry int
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Notify implements events.Notifier. Topics the buyer is not emailed about are skipped.
func (n EmailEnqueuer) Notify(ctx context.Context, ev events.Event) error {
	if n.Client == nil || !slices.Contains(events.BuyerNotificationTopics(), ev.Topic) {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode email task: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(ev.ID), asynq.MaxRetry(n.maxRetry())}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if n.Timeout > 0 {
		opts = append(opts, asynq.Timeout(n.Timeout))
	}
	_, err = n.Client.EnqueueContext(ctx, asynq.NewTask(TaskOrderEmail, payload), opts...)
	switch {
	case err == nil:
		obs.NotificationTotal.WithLabelValues("email", "enqueued").Inc()
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		obs.NotificationTotal.WithLabelValues("email", "duplicate").Inc()
		return nil
	default:
		obs.NotificationTotal.WithLabelValues("email", "error").Inc()
		n.Logger.Warn().Err(err).Str("event_id", ev.ID).Str("topic", ev.Topic).Msg("email_enqueue_failed")
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

func (n EmailEnqueuer) maxRetry() int {
	if n.MaxRetry > 0 {
		return n.MaxRetry
	}
	return 5
}

// EmailWorker renders and sends the emails queued by EmailEnqueuer.
type EmailWorker struct {
	Sender EmailSender
	From   string
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (w EmailWorker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var ev events.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("decode email task: %v: %w", err, asynq.SkipRetry)
	}
	var change events.OrderStatusChanged
	if err := ev.Decode(&change); err != nil {
		return fmt.Errorf("decode order event: %v: %w", err, asynq.SkipRetry)
	}
	msg, ok, err := Render(ev.Topic, change, w.From)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if !ok {
		obs.NotificationTotal.WithLabelValues("email", "skipped").Inc()
		return nil
	}
	sender := w.Sender
	if sender == nil {
		sender = NopSender{}
	}
	if err := sender.Send(ctx, msg); err != nil {
		obs.NotificationTotal.WithLabelValues("email", "error").Inc()
		return fmt.Errorf("send email: %w", err)
	}
	obs.NotificationTotal.WithLabelValues("email", "sent").Inc()
	w.Logger.Info().
		Str("order_id", change.OrderID).
		Str("topic", ev.Topic).
		Msg("order_email_sent")
	return nil
}

// Register mounts the notification task handlers on mux.
func (w EmailWorker) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskOrderEmail, w)
}
