package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SnapshotListHandler handles GET /v1/projects/{projectID}/snapshots?environment=
func (s *Server) SnapshotListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
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
	list, total, err := s.Snapshots.List(r.Context(), actor, chi.URLParam(r, "projectID"),
		r.URL.Query().Get("environment"), limit, offset)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": total})
}

// SnapshotCreateHandler handles POST /v1/projects/{projectID}/snapshots
func (s *Server) SnapshotCreateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var req struct {
		Environment string `json:"environment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	snap, err := s.Snapshots.Create(r.Context(), actor, chi.URLParam(r, "projectID"), req.Environment)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": snap})
}

// SnapshotGetHandler handles GET /v1/snapshots/{snapshotID}
func (s *Server) SnapshotGetHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	tree, err := s.Snapshots.Get(r.Context(), actor, chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tree})
}

// SnapshotDiffHandler handles GET /v1/snapshots/{snapshotID}/diff?path=
func (s *Server) SnapshotDiffHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	cmp, err := s.Snapshots.Diff(r.Context(), actor, chi.URLParam(r, "snapshotID"), r.URL.Query().Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cmp})
}

// SnapshotRollbackHandler handles POST /v1/snapshots/{snapshotID}/rollback
func (s *Server) SnapshotRollbackHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := s.Snapshots.Rollback(r.Context(), actor, chi.URLParam(r, "snapshotID"), req.Path)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}
