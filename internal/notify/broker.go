package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/events"
	"github.com/noah-isme/m1cart-orders/internal/obs"
)

// Publisher sends an encoded event to a message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// RabbitPublisher publishes to a durable fanout exchange.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends payload as a persistent JSON message. A closed channel is reopened once.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		p.ch = ch
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         payload,
	})
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// BrokerNotifier fans every domain event out to the broker, keyed by topic.
type BrokerNotifier struct {
	Publisher Publisher
	Logger    zerolog.Logger
}

// Notify implements events.Notifier.
func (n BrokerNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Publisher == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.Publisher.Publish(ctx, ev.Topic, body); err != nil {
		obs.NotificationTotal.WithLabelValues("broker", "error").Inc()
		n.Logger.Warn().Err(err).Str("event_id", ev.ID).Str("topic", ev.Topic).Msg("event_publish_failed")
		return fmt.Errorf("publish event: %w", err)
	}
	obs.NotificationTotal.WithLabelValues("broker", "published").Inc()
	return nil
}
