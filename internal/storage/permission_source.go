package storage

import (
	"context"

	"github.com/org/secretflow/pkg/models"
)

// PermissionSource adapts a Backend to the permission engine's data source.
// Each call runs in its own read-only transaction.
type PermissionSource struct {
	b Backend
}

// NewPermissionSource returns a PermissionSource over b.
func NewPermissionSource(b Backend) *PermissionSource {
	return &PermissionSource{b: b}
}

func (s *PermissionSource) GroupsForUser(ctx context.Context, _ string, userID string) (groups []string, err error) {
	err = Read(ctx, s.b, func(tx Tx) error {
		groups, err = tx.GroupsForUser(ctx, userID)
		return err
	})
	return groups, err
}

func (s *PermissionSource) RoleAssignments(ctx context.Context, projectID string, pt models.PrincipalType, ids []string) (out []*models.RoleAssignment, err error) {
	err = Read(ctx, s.b, func(tx Tx) error {
		out, err = tx.ListRoleAssignments(ctx, projectID, pt, ids)
		return err
	})
	return out, err
}

func (s *PermissionSource) GetCustomRole(ctx context.Context, projectID, slug string) (r *models.CustomRole, err error) {
	err = Read(ctx, s.b, func(tx Tx) error {
		r, err = tx.GetCustomRole(ctx, projectID, slug)
		return err
	})
	return r, err
}
