package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/obs"
)

type stubStore struct {
	lastInsert Entry
	called     bool
	filter     Filter
}

func (s *stubStore) InsertAuditLog(_ context.Context, e Entry) error {
	s.called = true
	s.lastInsert = e
	return nil
}

func (s *stubStore) ListAuditLogs(_ context.Context, f Filter) ([]Entry, error) {
	s.filter = f
	return []Entry{{Action: "PATCH /api/v1/orders/{orderId}/status", Method: "PATCH"}}, nil
}

func TestServiceRecord(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true, SamplingRate: 1}

	req := httptest.NewRequest(http.MethodPatch, "https://api.test/api/v1/orders/ord_1/status?source=dashboard", nil)
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("X-Request-ID", "req-123")
	req.RemoteAddr = "10.0.0.2:54321"
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/orders/{orderId}/status"))

	if err := svc.Record(req.Context(), Actor{Kind: ActorKindUser, UserID: "seller-1", Role: "seller"}, "", "", "ord_1", req, http.StatusOK, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !store.called {
		t.Fatal("expected store to be called")
	}
	got := store.lastInsert
	if got.ActorKind != string(ActorKindUser) || got.ActorUserID != "seller-1" || got.ActorRole != "seller" {
		t.Fatalf("unexpected actor: %+v", got)
	}
	if got.Action != "PATCH /api/v1/orders/{orderId}/status" {
		t.Fatalf("unexpected action: %s", got.Action)
	}
	if got.ResourceType != "orders.status" || got.ResourceID != "ord_1" {
		t.Fatalf("unexpected resource: %s/%s", got.ResourceType, got.ResourceID)
	}
	if got.IP != "10.0.0.2" {
		t.Fatalf("expected ip capture, got %q", got.IP)
	}
	if got.RequestID != "req-123" {
		t.Fatalf("expected request id, got %q", got.RequestID)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatal("expected id and timestamp")
	}
	var meta map[string]string
	if err := json.Unmarshal(got.Metadata, &meta); err != nil {
		t.Fatalf("metadata json: %v", err)
	}
	if meta["query"] != "source=dashboard" {
		t.Fatalf("unexpected metadata query: %s", meta["query"])
	}
}

func TestServiceRecordDisabled(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: false}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := svc.Record(req.Context(), Actor{}, "", "", "", req, http.StatusOK, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.called {
		t.Fatal("expected no insert when disabled")
	}
}

func TestMiddlewareRecordsPrincipalAndStatus(t *testing.T) {
	store := &stubStore{}
	rec := HTTPRecorder{Service: &Service{Store: store, Enabled: true}}

	r := chi.NewRouter()
	r.With(rec.Middleware(HTTPConfig{
		ResourceIDParam: "orderId",
		MetadataFunc: func(_ *http.Request, status int) map[string]any {
			return map[string]any{"status": status}
		},
	})).Patch("/api/v1/orders/{orderId}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/orders/ord_9/status", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{UserID: "admin-1", Role: "admin"}))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	got := store.lastInsert
	if got.Status != http.StatusConflict || got.ResourceID != "ord_9" || got.ActorRole != "admin" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.ResourceType != "orders.status" {
		t.Fatalf("unexpected resource type: %s", got.ResourceType)
	}
	if string(got.Metadata) != `{"status":409}` {
		t.Fatalf("unexpected metadata: %s", got.Metadata)
	}
}
