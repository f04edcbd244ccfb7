package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/app"
	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/config"
	"github.com/noah-isme/m1cart-orders/internal/health"
	"github.com/noah-isme/m1cart-orders/internal/payment"
)

const webhookSecret = "whsec_router"

func newTestServer(t *testing.T) (*httptest.Server, *auth.Verifier) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		JWTSecret:      "router-secret",
		BodyLimitBytes: 1 << 16,
		Payment: config.PaymentConfig{
			Provider:         "sandbox",
			WebhookSecret:    webhookSecret,
			DefaultCurrency:  "usd",
			Timeout:          time.Second,
			WebhookReplayTTL: time.Hour,
			WebhookTolerance: 5 * time.Minute,
		},
		Checkout: config.CheckoutConfig{PersistAttempts: 1, IdempotencyTTL: time.Hour, CatalogCacheTTL: time.Minute},
		Queue:    config.QueueConfig{RedisPrefix: "q", LockTTL: time.Second},
		Limits:   config.RateLimitConfig{Driver: "sliding", WebhookPerMinute: 2, CheckoutPerMinute: 5},
	}
	deps, err := app.Wire(cfg, zerolog.Nop(), nil, rdb, nil, nil)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(deps, routerOptions{
		Logger: zerolog.Nop(),
		Tokens: verifier,
		Health: health.Handler{},
	}))
	t.Cleanup(srv.Close)
	return srv, verifier
}

func postWebhook(t *testing.T, srv *httptest.Server, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/payments/webhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLiveProbe(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrdersRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postWebhook(t, srv, `{"id":"evt_1","type":"payment_intent.succeeded"}`, "t=1,v1=deadbeef")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookAcknowledgesIgnoredEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"id":"evt_2","type":"charge.refunded","data":{"object":{}}}`
	resp := postWebhook(t, srv, body, payment.SignPayload(webhookSecret, []byte(body), time.Now()))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
}

func TestWebhookIsRateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"id":"evt_3","type":"charge.refunded"}`
	var last *http.Response
	for i := 0; i < 3; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = postWebhook(t, srv, body, payment.SignPayload(webhookSecret, []byte(body), time.Now()))
	}
	defer last.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	require.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestCheckoutRejectsInvalidAmount(t *testing.T) {
	srv, verifier := newTestServer(t)
	token, err := verifier.Sign(auth.Principal{UserID: "buyer-1", Role: "buyer", Email: "b@example.com"}, time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/checkout", strings.NewReader(`{"amount":0,"items":[{"productId":1,"quantity":1}]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
