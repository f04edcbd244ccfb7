package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

// Product is the catalog data copied into an order at checkout. Price is in
// minor units.
type Product struct {
	ID       int64  `json:"id"`
	SellerID string `json:"sellerId"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category,omitempty"`
	Image    string `json:"image,omitempty"`
}

// Reader loads products from the system of record.
type Reader interface {
	ProductsByIDs(ctx context.Context, ids []int64) ([]Product, error)
	ProductIDsBySeller(ctx context.Context, sellerID string) ([]int64, error)
}

// Service serves catalog lookups through a read-through cache. Cache failures
// fall back to the reader.
type Service struct {
	Reader Reader
	Cache  *Cache
	Logger zerolog.Logger
}

func productKey(id int64) string { return "product:" + strconv.FormatInt(id, 10) }

func sellerKey(sellerID string) string { return "seller:" + sellerID + ":products" }

// Snapshot returns the products for ids. Every id must exist.
func (s *Service) Snapshot(ctx context.Context, ids []int64) (map[int64]Product, error) {
	want := slices.Clone(ids)
	slices.Sort(want)
	want = slices.Compact(want)

	out := make(map[int64]Product, len(want))
	keys := make([]string, len(want))
	for i, id := range want {
		keys[i] = productKey(id)
	}
	err := s.Cache.MGetJSON(ctx, keys, func(i int, raw []byte) error {
		var p Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out[want[i]] = p
		return nil
	})
	if err != nil {
		s.Logger.Warn().Err(err).Msg("catalog_cache_read_failed")
	}

	var missing []int64
	for _, id := range want {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := s.Reader.ProductsByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, p := range loaded {
		out[p.ID] = p
		if err := s.Cache.SetJSON(ctx, productKey(p.ID), p); err != nil {
			s.Logger.Warn().Err(err).Int64("product_id", p.ID).Msg("catalog_cache_write_failed")
		}
	}
	for _, id := range missing {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: product %d does not exist", order.ErrNotFound, id)
		}
	}
	return out, nil
}

// OwnedBy lists the product ids listed by sellerID.
func (s *Service) OwnedBy(ctx context.Context, sellerID string) ([]int64, error) {
	var ids []int64
	hit, err := s.Cache.GetJSON(ctx, sellerKey(sellerID), &ids)
	if err != nil {
		s.Logger.Warn().Err(err).Str("seller_id", sellerID).Msg("catalog_cache_read_failed")
	}
	if hit {
		return ids, nil
	}
	ids, err = s.Reader.ProductIDsBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("load seller products: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	if err := s.Cache.SetJSON(ctx, sellerKey(sellerID), ids); err != nil {
		s.Logger.Warn().Err(err).Str("seller_id", sellerID).Msg("catalog_cache_write_failed")
	}
	return ids, nil
}

// Invalidate drops cached entries after catalog edits.
func (s *Service) Invalidate(ctx context.Context, sellerID string, productIDs ...int64) error {
	keys := make([]string, 0, len(productIDs)+1)
	if sellerID != "" {
		keys = append(keys, sellerKey(sellerID))
	}
	for _, id := range productIDs {
		keys = append(keys, productKey(id))
	}
	return s.Cache.Delete(ctx, keys...)
}

var _ order.ProductOwnership = (*Service)(nil)
