package order

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item is a line item snapshot copied from the catalog at checkout time.
type Item struct {
	ProductID int64  `json:"productId"`
	SellerID  string `json:"sellerId,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Category  string `json:"category,omitempty"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Subtotal returns the line total in minor units.
func (it Item) Subtotal() int64 { return it.UnitPrice * int64(it.Quantity) }

// Order is the local record of one checkout attempt.
type Order struct {
	ID              string    `json:"orderId"`
	OrderNumber     string    `json:"orderNumber"`
	BuyerID         string    `json:"buyerId"`
	BuyerName       string    `json:"buyerName,omitempty"`
	BuyerEmail      string    `json:"-"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	Items           []Item    `json:"items"`
	ParentOrderID   string    `json:"parentOrderId,omitempty"`
	SellerID        string    `json:"sellerId,omitempty"`
	SplitProcessed  bool      `json:"splitProcessed,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ItemsTotal sums item subtotals in minor units.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.Subtotal()
	}
	return total
}

// SellerIDs returns the distinct sellers appearing in the order, in item order.
func (o *Order) SellerIDs() []string {
	var out []string
	for _, it := range o.Items {
		if it.SellerID != "" && !slices.Contains(out, it.SellerID) {
			out = append(out, it.SellerID)
		}
	}
	return out
}

// Validate checks the creation invariants of a new order.
func (o *Order) Validate() error {
	switch {
	case strings.TrimSpace(o.BuyerID) == "":
		return fmt.Errorf("%w: buyer is required", ErrValidation)
	case o.Amount <= 0:
		return ErrInvalidAmount
	case strings.TrimSpace(o.Currency) == "":
		return fmt.Errorf("%w: currency is required", ErrValidation)
	case len(o.Items) == 0:
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for i, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrValidation, i)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d price must not be negative", ErrValidation, i)
		}
	}
	return nil
}

// Actor is the caller of a transition or query.
type Actor struct {
	UserID string
	Role   Role
	// ProductIDs is the set of catalog products owned by a seller.
	ProductIDs []int64
}

// System returns the actor used for verified payment signals.
func System() Actor { return Actor{UserID: "system", Role: RoleSystem} }

// Owns reports whether the actor owns productID.
func (a Actor) Owns(productID int64) bool { return slices.Contains(a.ProductIDs, productID) }

// OwnsAny reports whether the actor owns at least one of the order's items.
func (a Actor) OwnsAny(o *Order) bool {
	return slices.ContainsFunc(o.Items, func(it Item) bool { return a.Owns(it.ProductID) })
}

// NewID returns a fresh order identifier.
func NewID() string { return uuid.NewString() }

// NewOrderNumber builds a human readable reference such as M1-20240102-9F2C1A.
func NewOrderNumber(id string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("M1-%s-%s", at.UTC().Format("20060102"), suffix)
}
