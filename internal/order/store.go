package order

import (
	"context"
	"time"
)

// Query selects orders for a role-scoped listing.
type Query struct {
	BuyerID string
	// ProductIDs restricts results to orders containing at least one of these products.
	ProductIDs []int64
	Statuses   []Status
	// ExcludeSplitParents hides parents whose items were partitioned into sub-orders.
	ExcludeSplitParents bool
	Page                int
	Limit               int
}

// Offset returns the number of rows to skip for the query page.
func (q Query) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// Store persists orders. Implementations must provide an atomic compare-and-set
// on status and a uniqueness guarantee on PaymentIntentID.
type Store interface {
	// Create inserts a new order. It returns ErrDuplicateIntent when the payment
	// intent is already bound to another order.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*Order, error)
	// CompareAndSetStatus moves the order to next only if it is still in expected.
	// It reports false when the persisted status no longer matches.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, at time.Time) (bool, error)
	List(ctx context.Context, q Query) ([]Order, int, error)
	// SplitOrder atomically marks the parent as split and inserts the sub-orders.
	// It reports false without inserting anything if the parent was already split.
	SplitOrder(ctx context.Context, parentID string, children []Order, at time.Time) (bool, error)
	// ListPending returns pending root orders created before the cutoff, oldest first.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
}
