// Package versionstore implements append-only secret and folder versioning on
// top of a storage transaction.
//
// Every mutation inserts a new immutable version row and repoints the current
// row at it. Callers own the transaction, so merges and rollbacks can compose
// many writes into one all-or-nothing unit.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// Content is the mutable state recorded by a secret version.
// Value and ValueOverride are ciphertext.
type Content struct {
	Key           string
	Value         []byte
	ValueOverride []byte
	Comment       string
	TagIDs        []string
	Metadata      []models.MetadataEntry
}

// ContentOf extracts the content of v.
func ContentOf(v *models.SecretVersion) Content {
	return Content{
		Key:           v.Key,
		Value:         v.Value,
		ValueOverride: v.ValueOverride,
		Comment:       v.Comment,
		TagIDs:        slices.Clone(v.TagIDs),
		Metadata:      slices.Clone(v.Metadata),
	}
}

// Patch is a partial update. Nil fields keep the current content.
type Patch struct {
	Key           *string
	Value         []byte
	ValueOverride []byte
	Comment       *string
	TagIDs        []string
	Metadata      []models.MetadataEntry
}

// Apply returns c with p's fields laid over it.
func (p Patch) Apply(c Content) Content {
	if p.Key != nil {
		c.Key = *p.Key
	}
	if p.Value != nil {
		c.Value = p.Value
	}
	if p.ValueOverride != nil {
		c.ValueOverride = p.ValueOverride
	}
	if p.Comment != nil {
		c.Comment = *p.Comment
	}
	if p.TagIDs != nil {
		c.TagIDs = p.TagIDs
	}
	if p.Metadata != nil {
		c.Metadata = p.Metadata
	}
	return c
}

// Store performs versioned writes inside caller-supplied transactions.
type Store struct {
	now func() time.Time
}

// New returns a Store.
func New() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ValidateKey rejects keys that cannot name a secret.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return apperr.Validation("INVALID_SECRET_KEY", "secret key must not be empty")
	case len(key) > 256:
		return apperr.Validation("INVALID_SECRET_KEY", "secret key is longer than 256 characters")
	case strings.ContainsAny(key, "/ \t\r\n"):
		return apperr.Validation("INVALID_SECRET_KEY", "secret key must not contain slashes or whitespace")
	}
	return nil
}

func secretNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(err, apperr.KindNotFound, "SECRET_NOT_FOUND", "secret not found")
	}
	return err
}

// Current returns the live secret and its current version.
func (s *Store) Current(ctx context.Context, tx storage.Tx, secretID string) (*models.Secret, *models.SecretVersion, error) {
	sec, err := tx.GetSecret(ctx, secretID)
	if err != nil {
		return nil, nil, secretNotFound(err)
	}
	if sec.IsDeleted() {
		return nil, nil, apperr.NotFound("SECRET_NOT_FOUND", "secret not found")
	}
	v, err := tx.GetSecretVersion(ctx, sec.CurrentVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading current version of %s: %w", secretID, err)
	}
	return sec, v, nil
}

// Find returns the live secret at ref and its current version.
func (s *Store) Find(ctx context.Context, tx storage.Tx, ref models.SecretRef) (*models.Secret, *models.SecretVersion, error) {
	sec, err := tx.FindSecret(ctx, ref.ProjectID, ref.Environment, ref.Path, ref.Key)
	if err != nil {
		return nil, nil, secretNotFound(err)
	}
	return s.Current(ctx, tx, sec.ID)
}

// CreateSecret creates a secret with version 1. The containing folder must exist.
func (s *Store) CreateSecret(ctx context.Context, tx storage.Tx, ref models.SecretRef, typ models.SecretType, c Content, actor models.Actor) (*models.Secret, *models.SecretVersion, error) {
	c.Key = ref.Key
	if err := ValidateKey(c.Key); err != nil {
		return nil, nil, err
	}
	folderPath := models.CleanPath(ref.Path)
	if err := s.requireFolder(ctx, tx, ref.ProjectID, ref.Environment, folderPath); err != nil {
		return nil, nil, err
	}
	if _, err := tx.FindSecret(ctx, ref.ProjectID, ref.Environment, folderPath, c.Key); err == nil {
		return nil, nil, apperr.Conflict("SECRET_EXISTS", fmt.Sprintf("secret %s already exists in %s", c.Key, folderPath))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if typ == "" {
		typ = models.SecretTypeShared
	}

	now := s.now()
	sec := &models.Secret{
		ID:          models.NewID(),
		ProjectID:   ref.ProjectID,
		Environment: ref.Environment,
		FolderPath:  folderPath,
		Key:         c.Key,
		Type:        typ,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v := s.newVersion(sec, 1, c, actor, now)
	sec.Version, sec.CurrentVersionID = 1, v.ID
	if err := tx.InsertSecret(ctx, sec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, nil, apperr.Wrap(err, apperr.KindConflict, "SECRET_EXISTS", "secret already exists")
		}
		return nil, nil, fmt.Errorf("inserting secret: %w", err)
	}
	if err := tx.InsertSecretVersion(ctx, v); err != nil {
		return nil, nil, fmt.Errorf("inserting secret version: %w", err)
	}
	return sec, v, nil
}

// WriteSecret appends a version built from the current content and p.
// The secret row is locked for the rest of the transaction.
func (s *Store) WriteSecret(ctx context.Context, tx storage.Tx, secretID string, p Patch, actor models.Actor) (*models.Secret, *models.SecretVersion, error) {
	sec, err := tx.GetSecretForUpdate(ctx, secretID)
	if err != nil {
		return nil, nil, secretNotFound(err)
	}
	if sec.IsDeleted() {
		return nil, nil, apperr.NotFound("SECRET_NOT_FOUND", "secret not found")
	}
	cur, err := tx.GetSecretVersion(ctx, sec.CurrentVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading current version: %w", err)
	}
	return s.append(ctx, tx, sec, p.Apply(ContentOf(cur)), actor)
}

// RestoreSecret writes the content of a historical version as a new version.
// A soft-deleted secret is brought back.
func (s *Store) RestoreSecret(ctx context.Context, tx storage.Tx, secretID string, version int, actor models.Actor) (*models.Secret, *models.SecretVersion, error) {
	old, err := tx.GetSecretVersionByNumber(ctx, secretID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.Wrap(err, apperr.KindNotFound, "VERSION_NOT_FOUND",
				fmt.Sprintf("version %d not found", version))
		}
		return nil, nil, err
	}
	return s.Put(ctx, tx, secretID, ContentOf(old), actor)
}

// Put appends a version with exactly content c, reviving the secret if it was
// soft-deleted.
func (s *Store) Put(ctx context.Context, tx storage.Tx, secretID string, c Content, actor models.Actor) (*models.Secret, *models.SecretVersion, error) {
	sec, err := tx.GetSecretForUpdate(ctx, secretID)
	if err != nil {
		return nil, nil, secretNotFound(err)
	}
	if sec.IsDeleted() {
		if err := s.requireFolder(ctx, tx, sec.ProjectID, sec.Environment, sec.FolderPath); err != nil {
			return nil, nil, err
		}
		sec.DeletedAt = nil
	}
	return s.append(ctx, tx, sec, c, actor)
}

func (s *Store) append(ctx context.Context, tx storage.Tx, sec *models.Secret, c Content, actor models.Actor) (*models.Secret, *models.SecretVersion, error) {
	if err := ValidateKey(c.Key); err != nil {
		return nil, nil, err
	}
	maxVer, err := tx.MaxSecretVersion(ctx, sec.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching max version: %w", err)
	}
	now := s.now()
	v := s.newVersion(sec, maxVer+1, c, actor, now)
	if err := tx.InsertSecretVersion(ctx, v); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, nil, apperr.Wrap(err, apperr.KindConflict, "VERSION_CONFLICT", "concurrent write to secret, retry")
		}
		return nil, nil, fmt.Errorf("inserting secret version: %w", err)
	}
	sec.Key = c.Key
	sec.Version = v.Version
	sec.CurrentVersionID = v.ID
	sec.UpdatedAt = now
	if err := tx.UpdateSecret(ctx, sec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, nil, apperr.Wrap(err, apperr.KindConflict, "SECRET_EXISTS",
				fmt.Sprintf("secret %s already exists in %s", c.Key, sec.FolderPath))
		}
		return nil, nil, fmt.Errorf("repointing secret: %w", err)
	}
	return sec, v, nil
}

// DeleteSecret soft-deletes a secret. Its versions are kept.
func (s *Store) DeleteSecret(ctx context.Context, tx storage.Tx, secretID string) (*models.Secret, error) {
	sec, err := tx.GetSecretForUpdate(ctx, secretID)
	if err != nil {
		return nil, secretNotFound(err)
	}
	if sec.IsDeleted() {
		return nil, apperr.NotFound("SECRET_NOT_FOUND", "secret not found")
	}
	now := s.now()
	sec.DeletedAt = &now
	sec.UpdatedAt = now
	if err := tx.UpdateSecret(ctx, sec); err != nil {
		return nil, fmt.Errorf("deleting secret: %w", err)
	}
	return sec, nil
}

// ReadSecretAtVersion returns one historical version.
func (s *Store) ReadSecretAtVersion(ctx context.Context, tx storage.Tx, secretID string, version int) (*models.SecretVersion, error) {
	if _, err := tx.GetSecret(ctx, secretID); err != nil {
		return nil, secretNotFound(err)
	}
	v, err := tx.GetSecretVersionByNumber(ctx, secretID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.KindNotFound, "VERSION_NOT_FOUND",
				fmt.Sprintf("version %d not found", version))
		}
		return nil, err
	}
	return v, nil
}

// ListVersions returns versions in ascending order plus the total count.
func (s *Store) ListVersions(ctx context.Context, tx storage.Tx, secretID string, limit, offset int) ([]*models.SecretVersion, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, apperr.Validation("INVALID_PAGINATION", "limit and offset must not be negative")
	}
	if _, err := tx.GetSecret(ctx, secretID); err != nil {
		return nil, 0, secretNotFound(err)
	}
	return tx.ListSecretVersions(ctx, secretID, limit, offset)
}

func (s *Store) newVersion(sec *models.Secret, n int, c Content, actor models.Actor, now time.Time) *models.SecretVersion {
	return &models.SecretVersion{
		ID:            models.NewID(),
		SecretID:      sec.ID,
		Version:       n,
		Key:           c.Key,
		Value:         c.Value,
		ValueOverride: c.ValueOverride,
		Comment:       c.Comment,
		TagIDs:        models.NormalizeTagIDs(c.TagIDs),
		Metadata:      slices.Clone(c.Metadata),
		FolderPath:    sec.FolderPath,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		CreatedAt:     now,
	}
}

func (s *Store) requireFolder(ctx context.Context, tx storage.Tx, projectID, environment, folderPath string) error {
	if folderPath == "/" {
		return nil
	}
	if _, err := tx.FindFolder(ctx, projectID, environment, folderPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("FOLDER_NOT_FOUND", fmt.Sprintf("folder %s not found", folderPath))
		}
		return err
	}
	return nil
}
