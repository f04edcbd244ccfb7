package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/m1cart-orders/internal/events"
)

// Events persists domain events emitted by the event bus.
type Events struct {
	DB DB
}

var _ events.EventStore = (*Events)(nil)

// InsertDomainEvent stores ev. Re-inserting the same event id is a no-op.
func (r *Events) InsertDomainEvent(ctx context.Context, ev events.Event) error {
	_, err := r.DB.Exec(ctx,
		`INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Topic, ev.AggregateID, string(ev.Payload), ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}

// ListByAggregate returns the events recorded for aggregateID in emission order.
func (r *Events) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]events.Event, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx,
		`SELECT id, topic, aggregate_id, payload, occurred_at FROM domain_events
		WHERE aggregate_id = $1 ORDER BY occurred_at ASC, id ASC LIMIT $2`,
		aggregateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list domain events: %w", err)
	}
	defer rows.Close()
	out := []events.Event{}
	for rows.Next() {
		var (
			ev events.Event
			at time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan domain event: %w", err)
		}
		ev.OccurredAt = at.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
