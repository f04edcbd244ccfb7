package checkout

import (
	"net/http"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/order"
)

// Handler exposes the checkout endpoint.
type Handler struct {
	Svc *Service
}

// Checkout opens a payment intent and a pending order for the caller.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok || principal.UserID == "" {
		common.WriteError(w, order.AsAppError(order.ErrUnauthorized))
		return
	}
	var payload Input
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.Create(r.Context(), principal, payload)
	if err != nil {
		common.WriteError(w, order.AsAppError(err))
		return
	}
	status := http.StatusCreated
	if out.Deferred {
		status = http.StatusAccepted
	}
	common.Data(w, status, out)
}
