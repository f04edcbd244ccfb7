package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlerList(t *testing.T) {
	store := &stubStore{}
	h := Handler{Store: store}
	req := httptest.NewRequest(http.MethodGet, "/admin/audit?limit=25&offset=10&resourceType=orders.status&resourceId=ord_1", nil)
	rr := httptest.NewRecorder()
	h.List(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.filter.Limit != 25 || store.filter.Offset != 10 {
		t.Fatalf("unexpected pagination params: %d/%d", store.filter.Limit, store.filter.Offset)
	}
	if store.filter.ResourceType != "orders.status" || store.filter.ResourceID != "ord_1" {
		t.Fatalf("unexpected filter: %+v", store.filter)
	}
	var payload struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Data) != 1 {
		t.Fatalf("expected one log entry, got %d", len(payload.Data))
	}
}

func TestHandlerListClampsLimit(t *testing.T) {
	store := &stubStore{}
	h := Handler{Store: store}
	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/admin/audit?limit=5000&offset=-3", nil))
	if store.filter.Limit != 50 || store.filter.Offset != 0 {
		t.Fatalf("expected clamped params, got %d/%d", store.filter.Limit, store.filter.Offset)
	}
}
