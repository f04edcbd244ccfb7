package order_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/order"
)

type staticOwners map[string][]int64

func (s staticOwners) OwnedBy(_ context.Context, sellerID string) ([]int64, error) {
	return s[sellerID], nil
}

func newRouter(eng *order.Engine) http.Handler {
	h := &order.Handler{Engine: eng, Owners: staticOwners{"seller-a": {7}, "seller-b": {9}}}
	r := chi.NewRouter()
	r.Get("/orders", h.List)
	r.Get("/orders/{orderId}", h.Get)
	return r
}

func doAs(t *testing.T, h http.Handler, p *auth.Principal, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestListHandlerSellerView(t *testing.T) {
	eng, seeded := seedViews(t)
	rr := doAs(t, newRouter(eng), &auth.Principal{UserID: "seller-a", Role: "seller"}, "/orders?page=1&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-Total-Count"))

	var body struct {
		Data []struct {
			OrderID string `json:"orderId"`
			Items   []struct {
				ProductID int64 `json:"productId"`
			} `json:"items"`
		} `json:"data"`
		Pagination struct {
			Page       int `json:"page"`
			Limit      int `json:"limit"`
			TotalItems int `json:"totalItems"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, seeded[1].ID, body.Data[0].OrderID)
	require.Len(t, body.Data[0].Items, 1)
	require.Equal(t, int64(7), body.Data[0].Items[0].ProductID)
	require.Equal(t, 5, body.Pagination.Limit)
	require.Equal(t, 1, body.Pagination.TotalItems)
}

func TestListHandlerStatusFilter(t *testing.T) {
	eng, _ := seedViews(t)
	rr := doAs(t, newRouter(eng), &auth.Principal{UserID: "admin-1", Role: "admin"}, "/orders?status=pending,completed")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "3", rr.Header().Get("X-Total-Count"))

	rr = doAs(t, newRouter(eng), &auth.Principal{UserID: "admin-1", Role: "admin"}, "/orders?status=shipped")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "VALIDATION_ERROR")
}

func TestHandlersRequirePrincipal(t *testing.T) {
	eng, _ := seedViews(t)
	rr := doAs(t, newRouter(eng), nil, "/orders")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetHandlerHidesForeignOrders(t *testing.T) {
	eng, seeded := seedViews(t)
	router := newRouter(eng)

	rr := doAs(t, router, &auth.Principal{UserID: "buyer-2", Role: "buyer"}, "/orders/"+seeded[0].ID)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doAs(t, router, &auth.Principal{UserID: "seller-a", Role: "seller"}, "/orders/"+seeded[1].ID)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `["dispatched","unfilled"]`, mustField(t, rr.Body.Bytes(), "allowedTargets"))
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return string(envelope.Data[field])
}
