package reconcile

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/order"
)

const maxWebhookBytes = 1 << 20

// Handler exposes the payment signal and status change endpoints.
type Handler struct {
	Dispatcher *Dispatcher
	Owners     order.ProductOwnership
}

type intentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required,max=255"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,max=32"`
}

// PaymentSuccess handles the buyer's success callback.
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	actor, err := order.ResolveActor(r.Context(), h.Owners)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	var req intentRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	res, err := h.Dispatcher.BuyerCallback(r.Context(), actor, req.PaymentIntentID)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"orderId":      res.OrderID,
		"status":       res.Status,
		"intentStatus": res.IntentStatus,
	})
}

// Webhook handles processor event delivery. It acknowledges every event whose
// signature verifies.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unable to read body", nil)
		return
	}
	if len(payload) > maxWebhookBytes {
		common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook payload too large", nil)
		return
	}
	res, err := h.Dispatcher.Webhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
}

// Verify returns the processor's status for an intent.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	actor, err := order.ResolveActor(r.Context(), h.Owners)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	var req intentRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	res, err := h.Dispatcher.Verify(r.Context(), actor, req.PaymentIntentID)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	common.Data(w, http.StatusOK, res)
}

// SetStatus applies a manual seller or admin transition.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := order.ResolveActor(r.Context(), h.Owners)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	var req statusRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	res, err := h.Dispatcher.Manual(r.Context(), chi.URLParam(r, "orderId"), order.Status(strings.ToLower(req.Status)), actor)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"orderId":   res.Order.ID,
		"status":    res.Order.Status,
		"updatedAt": res.Order.UpdatedAt.Format(time.RFC3339),
	})
}
