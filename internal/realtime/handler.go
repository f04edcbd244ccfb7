package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/order"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// OrderReader loads an order within the caller's view.
type OrderReader interface {
	GetOrder(ctx context.Context, actor order.Actor, orderID string) (*order.Order, error)
}

// Handler upgrades buyers to a websocket streaming status updates of one of their orders.
type Handler struct {
	Hub            *Hub
	Orders         OrderReader
	AllowedOrigins []string
	Logger         zerolog.Logger
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.AllowedOrigins) == 0 {
				return true
			}
			for _, allowed := range h.AllowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Stream serves GET /orders/{orderId}/ws.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		common.WriteError(w, order.AsAppError(order.ErrUnauthorized))
		return
	}
	if order.ParseRole(p.Role) != order.RoleBuyer {
		common.WriteError(w, order.AsAppError(order.ErrForbidden))
		return
	}
	actor := order.Actor{UserID: p.UserID, Role: order.RoleBuyer}
	orderID := chi.URLParam(r, "orderId")
	o, err := h.Orders.GetOrder(r.Context(), actor, orderID)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug().Err(err).Str("order_id", orderID).Msg("ws_upgrade_failed")
		return
	}
	updates, cancel := h.Hub.Subscribe(o.ID)
	defer cancel()

	initial, _ := json.Marshal(OrderUpdate{
		OrderID:       o.ID,
		ParentOrderID: o.ParentOrderID,
		Status:        string(o.Status),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	})
	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, initial, updates, done)
}

// readPump discards client frames and signals done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, initial []byte, updates <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	write := func(kind int, msg []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(kind, msg)
	}
	if err := write(websocket.TextMessage, initial); err != nil {
		return
	}
	for {
		select {
		case msg, ok := <-updates:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
