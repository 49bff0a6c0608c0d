package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// PolicyListHandler handles GET /v1/projects/{projectID}/approval-policies?environment=
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	list, err := s.Approvals.ListPolicies(r.Context(), actor, chi.URLParam(r, "projectID"), r.URL.Query().Get("environment"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// PolicyCreateHandler handles POST /v1/projects/{projectID}/approval-policies
func (s *Server) PolicyCreateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var in approval.PolicyInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	pol, err := s.Approvals.CreatePolicy(r.Context(), actor, chi.URLParam(r, "projectID"), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": pol})
}

// policyInProject loads the routed policy and hides it when it belongs to
// another project.
func (s *Server) policyInProject(r *http.Request) (*models.ApprovalPolicy, error) {
	actor, _ := actorFromCtx(r.Context())
	pol, err := s.Approvals.GetPolicy(r.Context(), actor, chi.URLParam(r, "policyID"))
	if err != nil {
		return nil, err
	}
	if pol.ProjectID != chi.URLParam(r, "projectID") {
		return nil, apperr.NotFound("POLICY_NOT_FOUND", "approval policy not found")
	}
	return pol, nil
}

// PolicyGetHandler handles GET /v1/projects/{projectID}/approval-policies/{policyID}
func (s *Server) PolicyGetHandler(w http.ResponseWriter, r *http.Request) {
	pol, err := s.policyInProject(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": pol})
}

// PolicyUpdateHandler handles PUT /v1/projects/{projectID}/approval-policies/{policyID}
func (s *Server) PolicyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var in approval.PolicyInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	pol, err := s.policyInProject(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	pol, err = s.Approvals.UpdatePolicy(r.Context(), actor, pol.ID, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": pol})
}

// PolicyDeleteHandler handles DELETE /v1/projects/{projectID}/approval-policies/{policyID}
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	pol, err := s.policyInProject(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.Approvals.DeletePolicy(r.Context(), actor, pol.ID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestListHandler handles GET /v1/projects/{projectID}/approval-requests?environment=&status=open,approved
func (s *Server) RequestListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	f := storage.RequestFilter{
		ProjectID:   chi.URLParam(r, "projectID"),
		Environment: r.URL.Query().Get("environment"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		for _, part := range strings.Split(st, ",") {
			f.Statuses = append(f.Statuses, models.RequestStatus(strings.TrimSpace(part)))
		}
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeAppError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeAppError(w, r, err)
		return
	}
	list, err := s.Approvals.List(r.Context(), actor, f)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// RequestGetHandler handles GET /v1/approval-requests/{requestID}
func (s *Server) RequestGetHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	req, err := s.Approvals.Get(r.Context(), actor, chi.URLParam(r, "requestID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": req})
}

// RequestReviewHandler handles POST /v1/approval-requests/{requestID}/review
func (s *Server) RequestReviewHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var body struct {
		Status  models.ReviewStatus `json:"status"`
		Comment string              `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeAppError(w, r, err)
		return
	}
	req, err := s.Approvals.Review(r.Context(), actor, chi.URLParam(r, "requestID"), body.Status, body.Comment)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": req})
}

// RequestMergeHandler handles POST /v1/approval-requests/{requestID}/merge
func (s *Server) RequestMergeHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var body struct {
		BypassReason string `json:"bypass_reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeAppError(w, r, err)
		return
	}
	req, err := s.Approvals.Merge(r.Context(), actor, chi.URLParam(r, "requestID"), body.BypassReason)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": req})
}

// RequestCloseHandler handles POST /v1/approval-requests/{requestID}/close
func (s *Server) RequestCloseHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	req, err := s.Approvals.Close(r.Context(), actor, chi.URLParam(r, "requestID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": req})
}
