package versionstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// ValidateFolderName rejects names that cannot be a single path segment.
func ValidateFolderName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return apperr.Validation("INVALID_FOLDER_NAME", "folder name must not be empty")
	case len(name) > 64:
		return apperr.Validation("INVALID_FOLDER_NAME", "folder name is longer than 64 characters")
	case strings.ContainsAny(name, "/ \t\r\n*?[]{}"):
		return apperr.Validation("INVALID_FOLDER_NAME", "folder name contains reserved characters")
	}
	return nil
}

// CreateFolder creates name under parentPath with folder version 1.
func (s *Store) CreateFolder(ctx context.Context, tx storage.Tx, projectID, environment, parentPath, name string) (*models.Folder, error) {
	if err := ValidateFolderName(name); err != nil {
		return nil, err
	}
	parentPath = models.CleanPath(parentPath)
	if err := s.requireFolder(ctx, tx, projectID, environment, parentPath); err != nil {
		return nil, err
	}
	full := path.Join(parentPath, name)
	if _, err := tx.FindFolder(ctx, projectID, environment, full); err == nil {
		return nil, apperr.Conflict("FOLDER_EXISTS", fmt.Sprintf("folder %s already exists", full))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	f := &models.Folder{
		ID:          models.NewID(),
		ProjectID:   projectID,
		Environment: environment,
		ParentPath:  parentPath,
		Name:        name,
		Path:        full,
		CreatedAt:   now,
	}
	v := folderVersion(f, 1)
	v.CreatedAt = now
	f.Version, f.CurrentVersionID = 1, v.ID
	if err := tx.InsertFolder(ctx, f); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.Wrap(err, apperr.KindConflict, "FOLDER_EXISTS", "folder already exists")
		}
		return nil, fmt.Errorf("inserting folder: %w", err)
	}
	if err := tx.InsertFolderVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("inserting folder version: %w", err)
	}
	return f, nil
}

// DeleteFolder soft-deletes a folder. With recursive set, every live secret
// and folder below it is deleted too; otherwise a non-empty folder is a conflict.
func (s *Store) DeleteFolder(ctx context.Context, tx storage.Tx, folderID string, recursive bool) (*models.Folder, error) {
	f, err := tx.GetFolder(ctx, folderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.KindNotFound, "FOLDER_NOT_FOUND", "folder not found")
		}
		return nil, err
	}
	if f.DeletedAt != nil {
		return nil, apperr.NotFound("FOLDER_NOT_FOUND", "folder not found")
	}

	secrets, err := tx.ListSecrets(ctx, storage.SecretFilter{
		ProjectID: f.ProjectID, Environment: f.Environment, FolderPath: f.Path, Recursive: true,
	})
	if err != nil {
		return nil, err
	}
	children, err := tx.ListFolders(ctx, storage.FolderFilter{
		ProjectID: f.ProjectID, Environment: f.Environment, Under: f.Path,
	})
	if err != nil {
		return nil, err
	}
	if !recursive && (len(secrets) > 0 || len(children) > 0) {
		return nil, apperr.Conflict("FOLDER_NOT_EMPTY", fmt.Sprintf("folder %s is not empty", f.Path))
	}
	for _, sec := range secrets {
		if _, err := s.DeleteSecret(ctx, tx, sec.ID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	for _, c := range children {
		c.DeletedAt = &now
		if err := tx.UpdateFolder(ctx, c); err != nil {
			return nil, fmt.Errorf("deleting folder %s: %w", c.Path, err)
		}
	}
	f.DeletedAt = &now
	if err := tx.UpdateFolder(ctx, f); err != nil {
		return nil, fmt.Errorf("deleting folder: %w", err)
	}
	return f, nil
}

// ReviveFolder brings a soft-deleted folder back with a new folder version.
// The parent must be live.
func (s *Store) ReviveFolder(ctx context.Context, tx storage.Tx, folderID string) (*models.Folder, error) {
	f, err := tx.GetFolder(ctx, folderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.KindNotFound, "FOLDER_NOT_FOUND", "folder not found")
		}
		return nil, err
	}
	if f.DeletedAt == nil {
		return f, nil
	}
	if err := s.requireFolder(ctx, tx, f.ProjectID, f.Environment, f.ParentPath); err != nil {
		return nil, err
	}
	maxVer, err := tx.MaxFolderVersion(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	v := folderVersion(f, maxVer+1)
	v.CreatedAt = s.now()
	if err := tx.InsertFolderVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("inserting folder version: %w", err)
	}
	f.DeletedAt = nil
	f.Version, f.CurrentVersionID = v.Version, v.ID
	if err := tx.UpdateFolder(ctx, f); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.Wrap(err, apperr.KindConflict, "FOLDER_EXISTS",
				fmt.Sprintf("folder %s already exists", f.Path))
		}
		return nil, fmt.Errorf("reviving folder: %w", err)
	}
	return f, nil
}

// ListFolders returns live folders strictly below under, ordered by path.
func (s *Store) ListFolders(ctx context.Context, tx storage.Tx, projectID, environment, under string) ([]*models.Folder, error) {
	out, err := tx.ListFolders(ctx, storage.FolderFilter{ProjectID: projectID, Environment: environment, Under: under})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func folderVersion(f *models.Folder, n int) *models.FolderVersion {
	return &models.FolderVersion{
		ID:         models.NewID(),
		FolderID:   f.ID,
		Version:    n,
		Name:       f.Name,
		ParentPath: f.ParentPath,
		Path:       f.Path,
	}
}

// DetachFolder soft-deletes only the folder row. Its contents are left for the
// caller to reconcile within the same transaction.
func (s *Store) DetachFolder(ctx context.Context, tx storage.Tx, folderID string) error {
	f, err := tx.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if f.DeletedAt != nil {
		return nil
	}
	now := s.now()
	f.DeletedAt = &now
	return tx.UpdateFolder(ctx, f)
}
