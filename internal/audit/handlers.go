package audit

import (
	"net/http"
	"strconv"

	"github.com/noah-isme/m1cart-orders/internal/common"
)

// Handler exposes HTTP endpoints for working with audit logs.
type Handler struct {
	Store Store
}

// List returns recent audit logs for administrators, optionally narrowed to
// one resource with ?resourceType=orders.status&resourceId=<order id>.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rows, err := h.Store.ListAuditLogs(r.Context(), Filter{
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	common.Data(w, http.StatusOK, rows)
}
