package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretflow/internal/access"
)

// RoleGetHandler handles GET /v1/projects/{projectID}/roles/{slug}
func (s *Server) RoleGetHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	role, err := s.Access.GetRole(r.Context(), actor, chi.URLParam(r, "projectID"), chi.URLParam(r, "slug"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": role})
}

// RolePutHandler handles PUT /v1/projects/{projectID}/roles/{slug}
func (s *Server) RolePutHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var role access.Role
	if err := decodeJSON(r, &role); err != nil {
		writeAppError(w, r, err)
		return
	}
	role.Slug = chi.URLParam(r, "slug")
	out, err := s.Access.PutRole(r.Context(), actor, chi.URLParam(r, "projectID"), role)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// RoleDeleteHandler handles DELETE /v1/projects/{projectID}/roles/{slug}
func (s *Server) RoleDeleteHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	if err := s.Access.DeleteRole(r.Context(), actor, chi.URLParam(r, "projectID"), chi.URLParam(r, "slug")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MembershipListHandler handles GET /v1/projects/{projectID}/memberships
func (s *Server) MembershipListHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	list, err := s.Access.Assignments(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// MembershipCreateHandler handles POST /v1/projects/{projectID}/memberships
func (s *Server) MembershipCreateHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var in access.AssignInput
	if err := decodeJSON(r, &in); err != nil {
		writeAppError(w, r, err)
		return
	}
	a, err := s.Access.Assign(r.Context(), actor, chi.URLParam(r, "projectID"), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": a})
}

// MembershipDeleteHandler handles DELETE /v1/projects/{projectID}/memberships/{assignmentID}
func (s *Server) MembershipDeleteHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	err := s.Access.Unassign(r.Context(), actor, chi.URLParam(r, "projectID"), chi.URLParam(r, "assignmentID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupMemberAddHandler handles POST /v1/projects/{projectID}/groups/{groupID}/members
func (s *Server) GroupMemberAddHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeAppError(w, r, err)
		return
	}
	err := s.Access.AddGroupMember(r.Context(), actor, chi.URLParam(r, "projectID"), chi.URLParam(r, "groupID"), body.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PermissionsHandler handles GET /v1/projects/{projectID}/permissions
func (s *Server) PermissionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromCtx(r.Context())
	p, err := s.Access.Permissions(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}
