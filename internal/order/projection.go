package order

import (
	"context"
	"fmt"
	"slices"
)

// DefaultSellerStatuses is the seller view filter when none is requested:
// orders that are paid and therefore actionable or historical for the seller.
var DefaultSellerStatuses = []Status{
	StatusCompleted, StatusDispatched, StatusUnfilled, StatusDelivered,
	StatusReturned, StatusCancelled, StatusRefunded,
}

// DefaultAdminStatuses is the admin view filter when none is requested.
var DefaultAdminStatuses = []Status{StatusCompleted}

// ListFilter carries the caller supplied parameters of a listing.
type ListFilter struct {
	Statuses []Status
	Page     int
	Limit    int
}

// Page is one page of a role-scoped listing.
type Page struct {
	Orders []Order
	Total  int
	Page   int
	Limit  int
}

// Scope builds the store query for actor's view of the order set.
func Scope(actor Actor, f ListFilter) (Query, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return Query{}, fmt.Errorf("%w: unknown status %q", ErrValidation, s)
		}
	}
	q := Query{Statuses: slices.Clone(f.Statuses), Page: f.Page, Limit: f.Limit}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 20
	}
	switch actor.Role {
	case RoleBuyer:
		if actor.UserID == "" {
			return Query{}, ErrUnauthorized
		}
		q.BuyerID = actor.UserID
	case RoleSeller:
		q.ProductIDs = slices.Clone(actor.ProductIDs)
		q.ExcludeSplitParents = true
		if len(q.Statuses) == 0 {
			q.Statuses = slices.Clone(DefaultSellerStatuses)
		}
	case RoleAdmin:
		if len(q.Statuses) == 0 {
			q.Statuses = slices.Clone(DefaultAdminStatuses)
		}
	default:
		return Query{}, fmt.Errorf("%w: role %s has no order view", ErrForbidden, actor.Role)
	}
	return q, nil
}

// ListOrders returns actor's view of orders, most recent first. Seller results
// only contain the seller's own line items.
func (e *Engine) ListOrders(ctx context.Context, actor Actor, f ListFilter) (Page, error) {
	q, err := Scope(actor, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Page: q.Page, Limit: q.Limit, Orders: []Order{}}
	if actor.Role == RoleSeller && len(q.ProductIDs) == 0 {
		return page, nil
	}
	orders, total, err := e.Store.List(ctx, q)
	if err != nil {
		return Page{}, err
	}
	page.Total = total
	for i := range orders {
		if actor.Role == RoleSeller {
			orders[i] = PruneForSeller(orders[i], actor)
		}
		page.Orders = append(page.Orders, orders[i])
	}
	return page, nil
}

// GetOrder returns a single order as actor is allowed to see it. Orders outside
// the actor's view are reported as not found.
func (e *Engine) GetOrder(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	o, err := e.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case RoleAdmin:
		return o, nil
	case RoleBuyer:
		if actor.UserID != "" && o.BuyerID == actor.UserID {
			return o, nil
		}
	case RoleSeller:
		if !o.SplitProcessed && actor.OwnsAny(o) {
			pruned := PruneForSeller(*o, actor)
			return &pruned, nil
		}
	}
	return nil, ErrNotFound
}

// PruneForSeller drops the line items the seller does not own.
func PruneForSeller(o Order, actor Actor) Order {
	items := make([]Item, 0, len(o.Items))
	for _, it := range o.Items {
		if actor.Owns(it.ProductID) {
			items = append(items, it)
		}
	}
	o.Items = items
	o.BuyerEmail = ""
	return o
}
