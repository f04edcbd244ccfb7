package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/audit"
	"github.com/noah-isme/m1cart-orders/internal/order"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow func(dest ...any) error

func (f fakeRow) Scan(dest ...any) error { return f(dest...) }

type fakeDB struct {
	execs    []execCall
	execTag  pgconn.CommandTag
	execErr  error
	rowFn    func(sql string, args []any) pgx.Row
	queryErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.execTag, f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, f.queryErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return f.rowFn(sql, args)
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not supported by fake")
}

func TestListWhereBuyer(t *testing.T) {
	where, args := listWhere(order.Query{BuyerID: "u1", Statuses: []order.Status{order.StatusPending, order.StatusCompleted}})
	require.Equal(t, " WHERE buyer_id = $1 AND status = ANY($2)", where)
	require.Equal(t, []any{"u1", []string{"pending", "completed"}}, args)
}

func TestListWhereSeller(t *testing.T) {
	where, args := listWhere(order.Query{ProductIDs: []int64{7, 9}, ExcludeSplitParents: true})
	require.Equal(t, " WHERE product_ids && $1::bigint[] AND split_processed = FALSE", where)
	require.Equal(t, []any{[]int64{7, 9}}, args)

	where, args = listWhere(order.Query{})
	require.Empty(t, where)
	require.Nil(t, args)
}

func TestCreateMapsIntentConflict(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505", ConstraintName: intentIndex}}
	r := &Orders{DB: db}
	o := &order.Order{ID: "o1", OrderNumber: "M1-1", BuyerID: "u1", PaymentIntentID: "pi_1", Amount: 100, Currency: "usd",
		Status: order.StatusPending, Items: []order.Item{{ProductID: 3, Quantity: 1, UnitPrice: 100}}}
	require.ErrorIs(t, r.Create(context.Background(), o), order.ErrDuplicateIntent)

	require.Len(t, db.execs, 1)
	call := db.execs[0]
	require.True(t, strings.HasPrefix(call.sql, "INSERT INTO orders"))
	require.Equal(t, "pi_1", call.args[5])
	require.Equal(t, []int64{3}, call.args[10])

	db.execErr = &pgconn.PgError{Code: "23505", ConstraintName: "orders_pkey"}
	err := r.Create(context.Background(), o)
	require.Error(t, err)
	require.NotErrorIs(t, err, order.ErrDuplicateIntent)
}

func TestCompareAndSetStatus(t *testing.T) {
	exists := true
	db := &fakeDB{
		execTag: pgconn.NewCommandTag("UPDATE 1"),
		rowFn: func(string, []any) pgx.Row {
			return fakeRow(func(dest ...any) error {
				*(dest[0].(*bool)) = exists
				return nil
			})
		},
	}
	r := &Orders{DB: db}
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	ok, err := r.CompareAndSetStatus(ctx, "o1", order.StatusPending, order.StatusCompleted, at)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []any{"o1", "pending", "completed", at}, db.execs[0].args)

	db.execTag = pgconn.NewCommandTag("UPDATE 0")
	ok, err = r.CompareAndSetStatus(ctx, "o1", order.StatusPending, order.StatusCompleted, at)
	require.NoError(t, err)
	require.False(t, ok)

	exists = false
	_, err = r.CompareAndSetStatus(ctx, "missing", order.StatusPending, order.StatusCompleted, at)
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestGetMapsNoRows(t *testing.T) {
	db := &fakeDB{rowFn: func(string, []any) pgx.Row {
		return fakeRow(func(...any) error { return pgx.ErrNoRows })
	}}
	r := &Orders{DB: db}
	_, err := r.Get(context.Background(), "nope")
	require.ErrorIs(t, err, order.ErrNotFound)
	_, err = r.GetByPaymentIntent(context.Background(), "")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestScanOrderDecodesItems(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	row := fakeRow(func(dest ...any) error {
		*(dest[0].(*string)) = "o1"
		*(dest[1].(*string)) = "M1-20240501-ABCDEF"
		*(dest[2].(*string)) = "u1"
		*(dest[5].(*string)) = "pi_1"
		*(dest[6].(*int64)) = 2500
		*(dest[7].(*string)) = "usd"
		*(dest[8].(*string)) = "completed"
		*(dest[9].(*[]byte)) = []byte(`[{"productId":4,"sellerId":"s1","name":"Mug","unitPrice":1250,"quantity":2}]`)
		*(dest[13].(*time.Time)) = created
		*(dest[14].(*time.Time)) = created
		return nil
	})
	o, err := scanOrder(row)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, o.Status)
	require.Len(t, o.Items, 1)
	require.Equal(t, int64(2500), o.ItemsTotal())
	require.Equal(t, time.UTC, o.CreatedAt.Location())
}

func TestInsertAuditLogNullsEmptyFields(t *testing.T) {
	db := &fakeDB{}
	r := &Audit{DB: db}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := r.InsertAuditLog(context.Background(), audit.Entry{
		ID: "a1", ActorKind: "user", ActorUserID: "admin-1", Action: "PATCH /api/v1/orders/{orderId}/status",
		ResourceType: "orders.status", ResourceID: "o1", Method: "PATCH", Path: "/api/v1/orders/o1/status",
		Status: 200, CreatedAt: at,
	})
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	call := db.execs[0]
	require.Contains(t, call.sql, "INSERT INTO audit_log")
	require.Len(t, call.args, 16)
	require.Nil(t, call.args[14])
	require.Equal(t, at, call.args[15])

	db.execErr = errors.New("boom")
	require.Error(t, r.InsertAuditLog(context.Background(), audit.Entry{ID: "a2", Metadata: []byte(`{"k":1}`)}))
	require.Equal(t, `{"k":1}`, db.execs[1].args[14])
}
