package order

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/common"
)

// ProductOwnership resolves the catalog products a seller owns.
type ProductOwnership interface {
	OwnedBy(ctx context.Context, sellerID string) ([]int64, error)
}

// ResolveActor builds the lifecycle actor for the authenticated principal.
func ResolveActor(ctx context.Context, owners ProductOwnership) (Actor, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return Actor{}, ErrUnauthorized
	}
	actor := Actor{UserID: p.UserID, Role: ParseRole(p.Role)}
	if actor.Role == RoleSystem {
		// system is never a caller role
		return Actor{}, fmt.Errorf("%w: role %s cannot call the API", ErrForbidden, p.Role)
	}
	if actor.Role == RoleSeller {
		if owners == nil {
			return Actor{}, fmt.Errorf("catalog ownership not configured")
		}
		ids, err := owners.OwnedBy(ctx, p.UserID)
		if err != nil {
			return Actor{}, fmt.Errorf("resolve seller products: %w", err)
		}
		actor.ProductIDs = ids
	}
	return actor, nil
}

// Handler exposes role-scoped order queries.
type Handler struct {
	Engine *Engine
	Owners ProductOwnership
}

// List returns the caller's view of orders with page/limit pagination.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := ResolveActor(r.Context(), h.Owners)
	if err != nil {
		common.WriteError(w, AsAppError(err))
		return
	}
	page, limit := common.ParsePagination(r, 20)
	filter := ListFilter{Page: page, Limit: limit}
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				filter.Statuses = append(filter.Statuses, Status(s))
			}
		}
	}
	result, err := h.Engine.ListOrders(r.Context(), actor, filter)
	if err != nil {
		common.WriteError(w, AsAppError(err))
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(result.Total))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       result.Orders,
		"pagination": common.NewPagination(result.Page, result.Limit, result.Total),
	})
}

// Get returns one order if it is inside the caller's view.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, err := ResolveActor(r.Context(), h.Owners)
	if err != nil {
		common.WriteError(w, AsAppError(err))
		return
	}
	o, err := h.Engine.GetOrder(r.Context(), actor, chi.URLParam(r, "orderId"))
	if err != nil {
		common.WriteError(w, AsAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"order":          o,
			"allowedTargets": AllowedTargets(actor.Role, o.Status),
		},
	})
}
