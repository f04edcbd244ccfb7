package repo

import (
	"context"
	"fmt"

	"github.com/noah-isme/m1cart-orders/internal/catalog"
)

// Products reads catalog products for checkout snapshots and seller scoping.
type Products struct {
	DB DB
}

var _ catalog.Reader = (*Products)(nil)

// ProductsByIDs returns the products among ids. Unknown ids are skipped.
func (r *Products) ProductsByIDs(ctx context.Context, ids []int64) ([]catalog.Product, error) {
	if len(ids) == 0 {
		return []catalog.Product{}, nil
	}
	rows, err := r.DB.Query(ctx,
		`SELECT id, seller_id, name, price, category, image FROM products WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()
	out := make([]catalog.Product, 0, len(ids))
	for rows.Next() {
		var p catalog.Product
		if err := rows.Scan(&p.ID, &p.SellerID, &p.Name, &p.Price, &p.Category, &p.Image); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProductIDsBySeller lists the ids of every product owned by sellerID.
func (r *Products) ProductIDsBySeller(ctx context.Context, sellerID string) ([]int64, error) {
	rows, err := r.DB.Query(ctx, `SELECT id FROM products WHERE seller_id = $1 ORDER BY id`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("query seller products: %w", err)
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
