// Package ordertest provides an in-memory order.Store for tests.
package ordertest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

// MemStore is a mutex guarded order.Store with the same CAS and uniqueness
// semantics as the Postgres store.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]order.Order
	// CreateErr, when set, is returned by the next Create calls.
	CreateErr error
	// SplitErr, when set, fails the next SplitOrder call once.
	SplitErr error
	// BeforeCAS runs inside CompareAndSetStatus before the status is compared,
	// letting tests interleave a concurrent writer.
	BeforeCAS func(id string)
}

// New returns an empty store.
func New() *MemStore {
	return &MemStore{orders: map[string]order.Order{}}
}

func clone(o order.Order) *order.Order {
	o.Items = slices.Clone(o.Items)
	return &o
}

func (s *MemStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if o.PaymentIntentID != "" {
		for _, existing := range s.orders {
			if existing.PaymentIntentID == o.PaymentIntentID {
				return order.ErrDuplicateIntent
			}
		}
	}
	s.orders[o.ID] = *clone(*o)
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

func (s *MemStore) GetByPaymentIntent(_ context.Context, intentID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if intentID != "" && o.PaymentIntentID == intentID {
			return clone(o), nil
		}
	}
	return nil, order.ErrNotFound
}

func (s *MemStore) CompareAndSetStatus(_ context.Context, id string, expected, next order.Status, at time.Time) (bool, error) {
	if s.BeforeCAS != nil {
		s.BeforeCAS(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrNotFound
	}
	if o.Status != expected {
		return false, nil
	}
	o.Status = next
	o.UpdatedAt = at
	s.orders[id] = o
	return true, nil
}

// ForceStatus overwrites a status without any checks, simulating a concurrent writer.
func (s *MemStore) ForceStatus(id string, st order.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	o.Status = st
	s.orders[id] = o
}

func (s *MemStore) List(_ context.Context, q order.Query) ([]order.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []order.Order
	for _, o := range s.orders {
		if q.BuyerID != "" && o.BuyerID != q.BuyerID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, o.Status) {
			continue
		}
		if q.ExcludeSplitParents && o.SplitProcessed {
			continue
		}
		if q.ProductIDs != nil && !slices.ContainsFunc(o.Items, func(it order.Item) bool {
			return slices.Contains(q.ProductIDs, it.ProductID)
		}) {
			continue
		}
		matched = append(matched, *clone(o))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := min(q.Offset(), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return matched[start:end], total, nil
}

func (s *MemStore) SplitOrder(_ context.Context, parentID string, children []order.Order, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.SplitErr; err != nil {
		s.SplitErr = nil
		return false, err
	}
	parent, ok := s.orders[parentID]
	if !ok {
		return false, order.ErrNotFound
	}
	if parent.SplitProcessed {
		return false, nil
	}
	parent.SplitProcessed = true
	parent.UpdatedAt = at
	s.orders[parentID] = parent
	for _, c := range children {
		s.orders[c.ID] = *clone(c)
	}
	return true, nil
}

func (s *MemStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.Status == order.StatusPending && o.ParentOrderID == "" && o.CreatedAt.Before(createdBefore) {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Children returns the sub-orders of parentID.
func (s *MemStore) Children(parentID string) []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.ParentOrderID == parentID {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

// Len reports how many orders are stored.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
