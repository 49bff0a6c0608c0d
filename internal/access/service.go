// Package access manages project roles, role assignments and group
// membership, and reports an actor's effective permissions.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// Service administers roles and memberships of projects.
type Service struct {
	store storage.Backend
	perms *permission.Engine
	audit *audit.Logger
	now   func() time.Time
}

// NewService wires an access Service.
func NewService(store storage.Backend, perms *permission.Engine, auditor *audit.Logger) *Service {
	return &Service{store: store, perms: perms, audit: auditor, now: func() time.Time { return time.Now().UTC() }}
}

// Role is a custom role with its rules decoded.
type Role struct {
	Slug  string             `json:"slug"`
	Name  string             `json:"name"`
	Rules permission.RuleSet `json:"rules"`
}

// Permissions is an actor's effective permission state in a project.
type Permissions struct {
	ActorID  string             `json:"actor_id"`
	Roles    []string           `json:"roles"`
	GroupIDs []string           `json:"group_ids"`
	Packed   []string           `json:"packed"`
	Rules    permission.RuleSet `json:"rules"`
}

// Permissions resolves actor in projectID.
func (s *Service) Permissions(ctx context.Context, actor models.Actor, projectID string) (*Permissions, error) {
	res, err := s.perms.Resolve(ctx, projectID, actor)
	if err != nil {
		return nil, apperr.Internal(err, "resolving permissions")
	}
	return &Permissions{
		ActorID:  actor.ID,
		Roles:    res.Roles,
		GroupIDs: res.GroupIDs,
		Packed:   res.Rules.Packed(),
		Rules:    res.Rules,
	}, nil
}

// grantable returns a Forbidden error unless actor already holds every
// permission rules would grant.
func (s *Service) grantable(ctx context.Context, actor models.Actor, projectID string, rules permission.RuleSet) error {
	res, err := s.perms.Resolve(ctx, projectID, actor)
	if err != nil {
		return apperr.Internal(err, "resolving permissions")
	}
	if !permission.IsAtLeastAsPrivileged(res.Rules, rules) {
		return apperr.Forbidden("PRIVILEGE_ESCALATION", "cannot grant permissions you do not hold")
	}
	return nil
}

// PutRole creates or replaces a custom role.
func (s *Service) PutRole(ctx context.Context, actor models.Actor, projectID string, role Role) (*Role, error) {
	if err := permission.ValidateSlug(role.Slug); err != nil {
		return nil, err
	}
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		role.Name = role.Slug
	}
	existing, err := s.loadRole(ctx, projectID, role.Slug)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	action := permission.ActionCreate
	if existing != nil {
		action = permission.ActionEdit
	}
	if err := s.perms.Check(ctx, projectID, actor, action, permission.SubjectRole, permission.Attributes{}); err != nil {
		return nil, err
	}
	encoded, err := permission.EncodeRules(role.Rules)
	if err != nil {
		return nil, err
	}
	if err := s.grantable(ctx, actor, projectID, role.Rules); err != nil {
		return nil, err
	}

	now := s.now()
	row := &models.CustomRole{
		ID: models.NewID(), ProjectID: projectID, Slug: role.Slug, Name: role.Name,
		Rules: encoded, CreatedAt: now, UpdatedAt: now,
	}
	err = storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.UpsertCustomRole(ctx, row); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeRoleUpserted, projectID, actor, map[string]any{
			"role": role.Slug, "rules": len(role.Rules),
		}))
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID).Str("role", role.Slug).Msg("custom role saved")
	return &role, nil
}

func (s *Service) loadRole(ctx context.Context, projectID, slug string) (*Role, error) {
	var row *models.CustomRole
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		row, err = tx.GetCustomRole(ctx, projectID, slug)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ROLE_NOT_FOUND", fmt.Sprintf("role %q not found", slug))
	}
	if err != nil {
		return nil, err
	}
	rules, err := permission.DecodeRules(row.Rules)
	if err != nil {
		return nil, err
	}
	return &Role{Slug: row.Slug, Name: row.Name, Rules: rules}, nil
}

// GetRole returns a built-in or custom role.
func (s *Service) GetRole(ctx context.Context, actor models.Actor, projectID, slug string) (*Role, error) {
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionRead, permission.SubjectRole, permission.Attributes{}); err != nil {
		return nil, err
	}
	if rules, ok := permission.BuiltinRules(slug); ok {
		return &Role{Slug: slug, Name: slug, Rules: rules}, nil
	}
	return s.loadRole(ctx, projectID, slug)
}

// DeleteRole removes a custom role. Assignments naming it stop granting anything.
func (s *Service) DeleteRole(ctx context.Context, actor models.Actor, projectID, slug string) error {
	if permission.IsBuiltinRole(slug) {
		return apperr.Validation("RESERVED_ROLE_SLUG", fmt.Sprintf("role %q is built in", slug))
	}
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionDelete, permission.SubjectRole, permission.Attributes{}); err != nil {
		return err
	}
	err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.DeleteCustomRole(ctx, projectID, slug); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("ROLE_NOT_FOUND", fmt.Sprintf("role %q not found", slug))
			}
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeRoleDeleted, projectID, actor, map[string]any{"role": slug}))
	})
	return err
}

// AssignInput grants a role to a user or group, optionally for a window.
type AssignInput struct {
	PrincipalType  models.PrincipalType `json:"principal_type"`
	PrincipalID    string               `json:"principal_id"`
	Role           string               `json:"role"`
	TemporaryStart *time.Time           `json:"temporary_start,omitempty"`
	TemporaryEnd   *time.Time           `json:"temporary_end,omitempty"`
}

func subjectFor(pt models.PrincipalType) (permission.Subject, error) {
	switch pt {
	case models.PrincipalUser:
		return permission.SubjectMember, nil
	case models.PrincipalGroup:
		return permission.SubjectGroups, nil
	}
	return "", apperr.Validation("INVALID_PRINCIPAL", fmt.Sprintf("unknown principal type %q", pt))
}

// Assign grants in.Role in projectID. The actor must hold every permission
// the role grants.
func (s *Service) Assign(ctx context.Context, actor models.Actor, projectID string, in AssignInput) (*models.RoleAssignment, error) {
	subject, err := subjectFor(in.PrincipalType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.PrincipalID) == "" {
		return nil, apperr.Validation("INVALID_PRINCIPAL", "principal id is required")
	}
	temporary := in.TemporaryStart != nil || in.TemporaryEnd != nil
	if temporary && (in.TemporaryStart == nil || in.TemporaryEnd == nil || !in.TemporaryEnd.After(*in.TemporaryStart)) {
		return nil, apperr.Validation("INVALID_TEMPORARY_GRANT", "a temporary grant needs a start before its end")
	}
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionCreate, subject, permission.Attributes{}); err != nil {
		return nil, err
	}

	rules, ok := permission.BuiltinRules(in.Role)
	if !ok {
		role, err := s.loadRole(ctx, projectID, in.Role)
		if err != nil {
			return nil, err
		}
		rules = role.Rules
	}
	if err := s.grantable(ctx, actor, projectID, rules); err != nil {
		return nil, err
	}

	a := &models.RoleAssignment{
		ID:             models.NewID(),
		ProjectID:      projectID,
		PrincipalType:  in.PrincipalType,
		PrincipalID:    in.PrincipalID,
		RoleSlug:       in.Role,
		IsTemporary:    temporary,
		TemporaryStart: in.TemporaryStart,
		TemporaryEnd:   in.TemporaryEnd,
		CreatedAt:      s.now(),
	}
	err = storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.InsertRoleAssignment(ctx, a); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeMembershipAdded, projectID, actor, map[string]any{
			"principal_type": string(a.PrincipalType), "principal_id": a.PrincipalID, "role": a.RoleSlug,
			"temporary": a.IsTemporary,
		}))
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Assignments lists the role assignments of a project.
func (s *Service) Assignments(ctx context.Context, actor models.Actor, projectID string) ([]*models.RoleAssignment, error) {
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionRead, permission.SubjectMember, permission.Attributes{}); err != nil {
		return nil, err
	}
	var out []*models.RoleAssignment
	err := storage.Read(ctx, s.store, func(tx storage.Tx) error {
		for _, pt := range []models.PrincipalType{models.PrincipalUser, models.PrincipalGroup} {
			list, err := tx.ListRoleAssignments(ctx, projectID, pt, nil)
			if err != nil {
				return err
			}
			out = append(out, list...)
		}
		return nil
	})
	return out, err
}

// Unassign removes a role assignment of projectID.
func (s *Service) Unassign(ctx context.Context, actor models.Actor, projectID, assignmentID string) error {
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionDelete, permission.SubjectMember, permission.Attributes{}); err != nil {
		return err
	}
	return storage.Write(ctx, s.store, func(tx storage.Tx) error {
		for _, pt := range []models.PrincipalType{models.PrincipalUser, models.PrincipalGroup} {
			list, err := tx.ListRoleAssignments(ctx, projectID, pt, nil)
			if err != nil {
				return err
			}
			for _, a := range list {
				if a.ID == assignmentID {
					return tx.DeleteRoleAssignment(ctx, assignmentID)
				}
			}
		}
		return apperr.NotFound("ASSIGNMENT_NOT_FOUND", "role assignment not found")
	})
}

// AddGroupMember adds userID to groupID.
func (s *Service) AddGroupMember(ctx context.Context, actor models.Actor, projectID, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return apperr.Validation("INVALID_MEMBERSHIP", "group id and user id are required")
	}
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionEdit, permission.SubjectGroups, permission.Attributes{}); err != nil {
		return err
	}
	return storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.AddGroupMember(ctx, models.GroupMember{GroupID: groupID, UserID: userID}); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeMembershipAdded, projectID, actor, map[string]any{
			"group_id": groupID, "user_id": userID,
		}))
	})
}
