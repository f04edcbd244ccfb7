package reconcile_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/reconcile"
)

type staticOwners map[string][]int64

func (s staticOwners) OwnedBy(_ context.Context, sellerID string) ([]int64, error) {
	return s[sellerID], nil
}

func newRouter(f *fixture) http.Handler {
	h := &reconcile.Handler{Dispatcher: f.disp, Owners: staticOwners{"seller-a": {7}}}
	r := chi.NewRouter()
	r.Post("/payments/success", h.PaymentSuccess)
	r.Post("/payments/webhook", h.Webhook)
	r.Post("/payments/verify", h.Verify)
	r.Patch("/orders/{orderId}/status", h.SetStatus)
	return r
}

func send(t *testing.T, h http.Handler, p *auth.Principal, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

func TestWebhookEndpoint(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t)
	router := newRouter(f)

	payload, sig, err := f.sandbox.Settle(context.Background(), o.PaymentIntentID, true)
	require.NoError(t, err)

	rr := send(t, router, nil, http.MethodPost, "/payments/webhook", payload, http.Header{"Stripe-Signature": {"t=1,v1=deadbeef"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "UNVERIFIED_SIGNATURE", errorCode(t, rr))
	require.Equal(t, order.StatusPending, f.status(t, o.ID))

	rr = send(t, router, nil, http.MethodPost, "/payments/webhook", payload, http.Header{"Stripe-Signature": {sig}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"received":true,"outcome":"applied"}`, rr.Body.String())
	require.Equal(t, order.StatusCompleted, f.status(t, o.ID))
}

func TestPaymentSuccessEndpoint(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t)
	router := newRouter(f)
	_, _, err := f.sandbox.Settle(context.Background(), o.PaymentIntentID, true)
	require.NoError(t, err)

	body := []byte(`{"paymentIntentId":"` + o.PaymentIntentID + `"}`)
	rr := send(t, router, nil, http.MethodPost, "/payments/success", body, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = send(t, router, &auth.Principal{UserID: "buyer-1", Role: "buyer"}, http.MethodPost, "/payments/success", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, rr))

	rr = send(t, router, &auth.Principal{UserID: "buyer-1", Role: "buyer"}, http.MethodPost, "/payments/success", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, "completed", resp.Status)
}

func TestSetStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t)
	router := newRouter(f)
	seller := &auth.Principal{UserID: "seller-a", Role: "seller"}
	target := "/orders/" + o.ID + "/status"

	rr := send(t, router, seller, http.MethodPatch, target, []byte(`{"status":"dispatched"}`), nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "INVALID_TRANSITION", errorCode(t, rr))
	require.Contains(t, rr.Body.String(), `"current":"pending"`)

	_, err := f.engine.ApplyTransition(context.Background(), o.ID, order.StatusCompleted, order.System())
	require.NoError(t, err)

	rr = send(t, router, seller, http.MethodPatch, target, []byte(`{"status":"refunded"}`), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(t, router, seller, http.MethodPatch, target, []byte(`{"status":"dispatched"}`), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
		UpdatedAt string `json:"updatedAt"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, o.ID, resp.OrderID)
	require.Equal(t, "dispatched", resp.Status)
	require.NotEmpty(t, resp.UpdatedAt)

	rr = send(t, router, &auth.Principal{UserID: "admin-1", Role: "admin"}, http.MethodPatch, target, []byte(`{"status":"shipped"}`), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t)
	router := newRouter(f)

	rr := send(t, router, &auth.Principal{UserID: "buyer-1", Role: "buyer"}, http.MethodPost, "/payments/verify", []byte(`{"paymentIntentId":"`+o.PaymentIntentID+`"}`), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"intentStatus":"requires_payment_method"`)
}
