package secret

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

func folderAttrs(env, path string) permission.Attributes {
	return permission.Attributes{Environment: env, SecretPath: path}
}

// CreateFolder creates name below parent. Folder writes are not subject to
// approval policies.
func (s *Service) CreateFolder(ctx context.Context, actor models.Actor, projectID, environment, parent, name string) (*models.Folder, error) {
	parent = models.CleanPath(parent)
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionCreate, permission.SubjectSecretFolders,
		folderAttrs(environment, parent)); err != nil {
		return nil, err
	}
	var f *models.Folder
	err := storage.Write(ctx, s.store, func(tx storage.Tx) (err error) {
		if f, err = s.vs.CreateFolder(ctx, tx, projectID, environment, parent, name); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeFolderCreated, projectID, actor, map[string]any{
			"environment": environment, "path": f.Path, "folder_id": f.ID,
		}))
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID).Str("environment", environment).Str("path", f.Path).Msg("folder created")
	s.snaps.AfterChange(projectID, environment)
	return f, nil
}

// DeleteFolder removes the folder at path. A non-empty folder needs recursive.
func (s *Service) DeleteFolder(ctx context.Context, actor models.Actor, projectID, environment, path string, recursive bool) error {
	path = models.CleanPath(path)
	if path == "/" {
		return apperr.Validation("INVALID_FOLDER", "the root folder cannot be deleted")
	}
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionDelete, permission.SubjectSecretFolders,
		folderAttrs(environment, path)); err != nil {
		return err
	}
	err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		f, err := tx.FindFolder(ctx, projectID, environment, path)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("FOLDER_NOT_FOUND", fmt.Sprintf("folder %s not found", path))
		}
		if err != nil {
			return err
		}
		if _, err := s.vs.DeleteFolder(ctx, tx, f.ID, recursive); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeFolderDeleted, projectID, actor, map[string]any{
			"environment": environment, "path": path, "folder_id": f.ID, "recursive": recursive,
		}))
	})
	if err != nil {
		return err
	}
	log.Info().Str("project_id", projectID).Str("environment", environment).Str("path", path).Msg("folder deleted")
	s.snaps.AfterChange(projectID, environment)
	return nil
}

// ListFolders returns the live folders below path.
func (s *Service) ListFolders(ctx context.Context, actor models.Actor, projectID, environment, path string) ([]*models.Folder, error) {
	path = models.CleanPath(path)
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionRead, permission.SubjectSecretFolders,
		folderAttrs(environment, path)); err != nil {
		return nil, err
	}
	var out []*models.Folder
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		out, err = s.vs.ListFolders(ctx, tx, projectID, environment, path)
		return err
	})
	return out, err
}
