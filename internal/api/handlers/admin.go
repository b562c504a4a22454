package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/models"
)

// AuditReader is the read side of the audit trail.
type AuditReader interface {
	LLMLogReader
	GetAuditLogs(ctx context.Context, q audit.AuditQuery) ([]models.AuditLog, error)
	GetUsageSummary(ctx context.Context, startDate, endDate *time.Time) ([]audit.UsageSummary, error)
}

type AdminHandler struct {
	auditSvc AuditReader
}

func NewAdminHandler(auditSvc AuditReader) *AdminHandler {
	return &AdminHandler{auditSvc: auditSvc}
}

func (h *AdminHandler) Usage(w http.ResponseWriter, r *http.Request) {
	startDate, endDate := dateRange(r)

	summary, err := h.auditSvc.GetUsageSummary(r.Context(), startDate, endDate)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": summary})
}

func (h *AdminHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := audit.AuditQuery{
		Action: r.URL.Query().Get("action"),
	}
	q.Limit, q.Offset = pagination(r)
	q.StartDate, q.EndDate = dateRange(r)

	logs, err := h.auditSvc.GetAuditLogs(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"audit_logs": logs, "count": len(logs)})
}

func (h *AdminHandler) LLMLogs(w http.ResponseWriter, r *http.Request) {
	q := audit.LLMLogQuery{
		TemplateName: r.URL.Query().Get("template_name"),
		Provider:     r.URL.Query().Get("provider"),
		FailedOnly:   r.URL.Query().Get("failed_only") == "true",
	}
	q.Limit, q.Offset = pagination(r)
	q.StartDate, q.EndDate = dateRange(r)

	logs, err := h.auditSvc.GetLLMLogs(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"llm_logs": logs, "count": len(logs)})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// dateRange reads start_date and end_date as RFC 3339. Unparseable values are ignored.
func dateRange(r *http.Request) (start, end *time.Time) {
	if s := r.URL.Query().Get("start_date"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			start = &t
		}
	}
	if s := r.URL.Query().Get("end_date"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			end = &t
		}
	}
	return start, end
}
