package api

import (
	"context"
	"net/http"
	"time"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
)

// HealthHandler handles GET /v1/sys/health. It reports 503 when the store
// cannot open a transaction.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	err := storage.Read(ctx, s.Store, func(storage.Tx) error { return nil })
	body := map[string]any{"status": "ok", "workers": s.Pool.Stats()}
	if err != nil {
		body["status"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// AuditLogHandler handles GET /v1/sys/audit-log?project_id=...
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	q := r.URL.Query()
	projectID := q.Get("project_id")
	if projectID == "" {
		writeAppError(w, r, apperr.Validation("INVALID_QUERY", "project_id is required"))
		return
	}
	if err := s.Perms.Check(r.Context(), projectID, actor, permission.ActionRead, permission.SubjectAuditLogs,
		permission.Attributes{}); err != nil {
		writeAppError(w, r, err)
		return
	}

	filter := storage.AuditFilter{ProjectID: projectID, Type: q.Get("type"), Limit: 100}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if limit > 0 {
		filter.Limit = limit
	}
	filter.Offset = offset
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeAppError(w, r, apperr.Validation("INVALID_QUERY", "since must be RFC3339"))
			return
		}
		filter.Since = &t
	}

	entries, err := s.Audit.Query(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
