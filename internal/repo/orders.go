package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

const orderColumns = `id, order_number, buyer_id, buyer_name, buyer_email,
	COALESCE(payment_intent_id, ''), amount, currency, status, items,
	COALESCE(parent_order_id, ''), COALESCE(seller_id, ''), split_processed, created_at, updated_at`

const insertOrderSQL = `INSERT INTO orders (id, order_number, buyer_id, buyer_name, buyer_email,
	payment_intent_id, amount, currency, status, items, product_ids,
	parent_order_id, seller_id, split_processed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16)`

// Orders is the Postgres implementation of order.Store.
type Orders struct {
	DB DB
}

var _ order.Store = (*Orders)(nil)

// Create inserts o. A second order for the same payment intent fails with
// order.ErrDuplicateIntent.
func (r *Orders) Create(ctx context.Context, o *order.Order) error {
	if err := insertOrder(ctx, r.DB.Exec, o); err != nil {
		if isIntentConflict(err) {
			return order.ErrDuplicateIntent
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

type execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

func insertOrder(ctx context.Context, exec execFunc, o *order.Order) error {
	items, err := json.Marshal(itemsOrEmpty(o.Items))
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = exec(ctx, insertOrderSQL,
		o.ID, o.OrderNumber, o.BuyerID, o.BuyerName, o.BuyerEmail,
		o.PaymentIntentID, o.Amount, o.Currency, string(o.Status), string(items), productIDs(o.Items),
		o.ParentOrderID, o.SellerID, o.SplitProcessed, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// Get loads an order by id.
func (r *Orders) Get(ctx context.Context, id string) (*order.Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return o, nil
}

// GetByPaymentIntent loads the order bound to intentID.
func (r *Orders) GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, order.ErrNotFound
	}
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, intentID)
	o, err := scanOrder(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return o, nil
}

// CompareAndSetStatus updates the status only while the row still holds expected.
func (r *Orders) CompareAndSetStatus(ctx context.Context, id string, expected, next order.Status, at time.Time) (bool, error) {
	tag, err := r.DB.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), at,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return false, order.ErrNotFound
	}
	return false, nil
}

// List returns one page of orders matching q and the total match count.
func (r *Orders) List(ctx context.Context, q order.Query) ([]order.Order, int, error) {
	where, args := listWhere(q)
	var total int
	if err := r.DB.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	if total == 0 {
		return []order.Order{}, 0, nil
	}
	limit := q.Limit
	if limit < 1 {
		limit = 20
	}
	args = append(args, limit, q.Offset())
	sql := `SELECT ` + orderColumns + ` FROM orders` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// SplitOrder flags the parent as split and inserts children in one transaction.
func (r *Orders) SplitOrder(ctx context.Context, parentID string, children []order.Order, at time.Time) (bool, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin split: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE orders SET split_processed = TRUE, updated_at = $2 WHERE id = $1 AND split_processed = FALSE`,
		parentID, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark order split: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	for i := range children {
		if err := insertOrder(ctx, tx.Exec, &children[i]); err != nil {
			return false, fmt.Errorf("insert sub-order: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit split: %w", err)
	}
	return true, nil
}

// ListPending returns pending root orders created before createdBefore, oldest first.
func (r *Orders) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]order.Order, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND parent_order_id IS NULL AND payment_intent_id IS NOT NULL AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`,
		string(order.StatusPending), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return collectOrders(rows)
}

// listWhere renders the filter of q. Placeholders are numbered from $1.
func listWhere(q order.Query) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.BuyerID != "" {
		clauses = append(clauses, "buyer_id = "+next(q.BuyerID))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status = ANY("+next(statuses)+")")
	}
	if len(q.ProductIDs) > 0 {
		clauses = append(clauses, "product_ids && "+next(q.ProductIDs)+"::bigint[]")
	}
	if q.ExcludeSplitParents {
		clauses = append(clauses, "split_processed = FALSE")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectOrders(rows pgx.Rows) ([]order.Order, error) {
	defer rows.Close()
	out := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o      order.Order
		status string
		items  []byte
	)
	if err := row.Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &o.BuyerName, &o.BuyerEmail,
		&o.PaymentIntentID, &o.Amount, &o.Currency, &status, &items,
		&o.ParentOrderID, &o.SellerID, &o.SplitProcessed, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
		}
	}
	if o.Items == nil {
		o.Items = []order.Item{}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func itemsOrEmpty(items []order.Item) []order.Item {
	if items == nil {
		return []order.Item{}
	}
	return items
}

func productIDs(items []order.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	return ids
}
