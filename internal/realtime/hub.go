package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/events"
)

// OrderUpdate is pushed to subscribers when an order changes status.
type OrderUpdate struct {
	OrderID       string `json:"orderId"`
	ParentOrderID string `json:"parentOrderId,omitempty"`
	Status        string `json:"status"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

type subscriber struct {
	send chan []byte
}

// Hub keeps websocket subscribers per order and fans status updates out to them.
// Slow subscribers whose buffer is full are dropped.
type Hub struct {
	Logger     zerolog.Logger
	BufferSize int

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{Logger: logger, BufferSize: 16, subs: map[string]map[*subscriber]struct{}{}}
}

// Subscribe registers interest in orderID. The returned channel is closed when
// cancel is called, the subscriber falls behind, or the hub closes.
func (h *Hub) Subscribe(orderID string) (<-chan []byte, func()) {
	size := h.BufferSize
	if size < 1 {
		size = 16
	}
	s := &subscriber{send: make(chan []byte, size)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.send)
		return s.send, func() {}
	}
	if h.subs == nil {
		h.subs = map[string]map[*subscriber]struct{}{}
	}
	set, ok := h.subs[orderID]
	if !ok {
		set = map[*subscriber]struct{}{}
		h.subs[orderID] = set
	}
	set[s] = struct{}{}
	return s.send, func() { h.remove(orderID, s) }
}

func (h *Hub) remove(orderID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(orderID, s)
}

func (h *Hub) removeLocked(orderID string, s *subscriber) {
	set, ok := h.subs[orderID]
	if !ok {
		return
	}
	if _, exists := set[s]; exists {
		delete(set, s)
		close(s.send)
	}
	if len(set) == 0 {
		delete(h.subs, orderID)
	}
}

// Subscribers returns the number of live subscriptions for orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

// Broadcast delivers upd to subscribers of the order and of its parent.
func (h *Hub) Broadcast(upd OrderUpdate) {
	msg, err := json.Marshal(upd)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range []string{upd.OrderID, upd.ParentOrderID} {
		if id == "" {
			continue
		}
		for s := range h.subs[id] {
			select {
			case s.send <- msg:
			default:
				h.Logger.Warn().Str("order_id", id).Msg("ws_subscriber_dropped")
				h.removeLocked(id, s)
			}
		}
	}
}

// Notify implements events.Notifier for order status topics.
func (h *Hub) Notify(_ context.Context, ev events.Event) error {
	if !strings.HasPrefix(ev.Topic, "order.") || ev.Topic == events.TopicOrderSplit || ev.Topic == events.TopicOrderCreated {
		return nil
	}
	var change events.OrderStatusChanged
	if err := ev.Decode(&change); err != nil {
		return err
	}
	h.Broadcast(OrderUpdate{
		OrderID:       change.OrderID,
		ParentOrderID: change.ParentOrderID,
		Status:        change.To,
		UpdatedAt:     change.UpdatedAt,
	})
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, set := range h.subs {
		for s := range set {
			close(s.send)
		}
		delete(h.subs, id)
	}
}
