package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/shared"
)

var auditEntities = map[string]bool{
	"document":     true,
	"account":      true,
	"ledger_entry": true,
}

// auditLogs serves GET /audit-logs?entity=document&entity_id=<id>.
func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.serveAuditLogs(w, r))
}

func (h *Handler) serveAuditLogs(w http.ResponseWriter, r *http.Request) error {
	if h.deps.Audit == nil {
		return errors.New("api: audit trail not configured")
	}
	q := r.URL.Query()
	entity := strings.ToLower(strings.TrimSpace(q.Get("entity")))
	if !auditEntities[entity] {
		return finance.Invalid("entity", "must be one of document, account, ledger_entry")
	}
	entityID := strings.TrimSpace(q.Get("entity_id"))
	if entityID == "" {
		return finance.Invalid("entity_id", "is required")
	}
	limit := shared.MaxPerPage
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return finance.Invalid("limit", "must be a positive integer")
		}
		limit = n
	}
	logs, err := h.deps.Audit.List(r.Context(), entity, entityID, limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []shared.AuditLog{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": logs})
	return nil
}
