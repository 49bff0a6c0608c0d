package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretflow/internal/secret"
	"github.com/org/secretflow/pkg/models"
)

// secretRef builds a ref from the route and the environment/path query.
func secretRef(r *http.Request) models.SecretRef {
	q := r.URL.Query()
	return models.SecretRef{
		ProjectID:   chi.URLParam(r, "projectID"),
		Environment: q.Get("environment"),
		Path:        q.Get("path"),
		Key:         chi.URLParam(r, "key"),
	}
}

// writeResult answers 202 when the change was routed to review.
func writeResult(w http.ResponseWriter, created bool, res *secret.WriteResult) {
	switch {
	case res.Request != nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"data": res})
	case created:
		writeJSON(w, http.StatusCreated, map[string]any{"data": res})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"data": res})
	}
}

// SecretListHandler handles GET /v1/projects/{projectID}/secrets
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	q := r.URL.Query()
	list, err := s.Secrets.List(r.Context(), actor, chi.URLParam(r, "projectID"), q.Get("environment"),
		q.Get("path"), queryBool(r, "recursive"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// SecretCreateHandler handles POST /v1/projects/{projectID}/secrets
func (s *Server) SecretCreateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var in secret.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	in.ProjectID = chi.URLParam(r, "projectID")
	res, err := s.Secrets.Create(r.Context(), actor, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeResult(w, true, res)
}

// SecretGetHandler handles GET /v1/projects/{projectID}/secrets/{key}
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	sec, err := s.Secrets.Get(r.Context(), actor, secretRef(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sec})
}

// SecretUpdateHandler handles PATCH /v1/projects/{projectID}/secrets/{key}
func (s *Server) SecretUpdateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var in secret.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	ref := secretRef(r)
	in.ProjectID, in.Key = ref.ProjectID, ref.Key
	if in.Environment == "" {
		in.Environment = ref.Environment
	}
	if in.Path == "" {
		in.Path = ref.Path
	}
	res, err := s.Secrets.Update(r.Context(), actor, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeResult(w, false, res)
}

// SecretDeleteHandler handles DELETE /v1/projects/{projectID}/secrets/{key}
func (s *Server) SecretDeleteHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	res, err := s.Secrets.Delete(r.Context(), actor, secretRef(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if res.Request != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"data": res})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportHandler handles GET /v1/projects/{projectID}/export as a .env file.
func (s *Server) ExportHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	q := r.URL.Query()
	out, err := s.Secrets.ExportDotEnv(r.Context(), actor, chi.URLParam(r, "projectID"), q.Get("environment"), q.Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out)) //nolint:errcheck
}

// FolderListHandler handles GET /v1/projects/{projectID}/folders
func (s *Server) FolderListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	q := r.URL.Query()
	list, err := s.Secrets.ListFolders(r.Context(), actor, chi.URLParam(r, "projectID"), q.Get("environment"), q.Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// FolderCreateHandler handles POST /v1/projects/{projectID}/folders
func (s *Server) FolderCreateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var req struct {
		Environment string `json:"environment"`
		Parent      string `json:"parent"`
		Name        string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	f, err := s.Secrets.CreateFolder(r.Context(), actor, chi.URLParam(r, "projectID"), req.Environment, req.Parent, req.Name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": f})
}

// FolderDeleteHandler handles DELETE /v1/projects/{projectID}/folders?environment=&path=&recursive=
func (s *Server) FolderDeleteHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	q := r.URL.Query()
	err := s.Secrets.DeleteFolder(r.Context(), actor, chi.URLParam(r, "projectID"), q.Get("environment"),
		q.Get("path"), queryBool(r, "recursive"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VersionListHandler handles GET /v1/secrets/{secretID}/versions
func (s *Server) VersionListHandler(w http.ResponseWriter, r *http.Request) {
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
	list, total, err := s.Secrets.ListVersions(r.Context(), actor, chi.URLParam(r, "secretID"), limit, offset)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "total": total})
}

// VersionGetHandler handles GET /v1/secrets/{secretID}/versions/{version}
func (s *Server) VersionGetHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	n, err := pathInt(chi.URLParam(r, "version"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	v, err := s.Secrets.ReadVersion(r.Context(), actor, chi.URLParam(r, "secretID"), n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

// VersionRestoreHandler handles POST /v1/secrets/{secretID}/versions/{version}/restore
func (s *Server) VersionRestoreHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	n, err := pathInt(chi.URLParam(r, "version"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := s.Secrets.Restore(r.Context(), actor, chi.URLParam(r, "secretID"), n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeResult(w, false, res)
}
