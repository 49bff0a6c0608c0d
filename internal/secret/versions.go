package secret

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/pkg/models"
)

// Version is one decrypted historical revision of a secret.
type Version struct {
	ID            string                 `json:"id"`
	SecretID      string                 `json:"secret_id"`
	Version       int                    `json:"version"`
	Key           string                 `json:"key"`
	Value         string                 `json:"value"`
	ValueOverride string                 `json:"value_override,omitempty"`
	Comment       string                 `json:"comment"`
	TagIDs        []string               `json:"tag_ids"`
	Metadata      []models.MetadataEntry `json:"metadata"`
	FolderPath    string                 `json:"folder_path"`
	ActorType     models.ActorType       `json:"actor_type"`
	ActorID       string                 `json:"actor_id"`
	CreatedAt     time.Time              `json:"created_at"`
	ValueHidden   bool                   `json:"secret_value_hidden"`
}

func (v *Version) redact() {
	v.Value, v.ValueOverride, v.ValueHidden = "", "", true
}

func (s *Service) versionView(projectID string, v *models.SecretVersion) (*Version, error) {
	value, err := s.decrypt(projectID, v.Value)
	if err != nil {
		return nil, err
	}
	override, err := s.decrypt(projectID, v.ValueOverride)
	if err != nil {
		return nil, err
	}
	return &Version{
		ID:            v.ID,
		SecretID:      v.SecretID,
		Version:       v.Version,
		Key:           v.Key,
		Value:         value,
		ValueOverride: override,
		Comment:       v.Comment,
		TagIDs:        v.TagIDs,
		Metadata:      v.Metadata,
		FolderPath:    v.FolderPath,
		ActorType:     v.ActorType,
		ActorID:       v.ActorID,
		CreatedAt:     v.CreatedAt,
	}, nil
}

// secretByID loads a secret row, deleted or not, and checks action on it.
func (s *Service) secretByID(ctx context.Context, actor models.Actor, secretID string, action permission.Action) (*models.Secret, *models.SecretVersion, error) {
	var (
		sec *models.Secret
		cur *models.SecretVersion
	)
	err := storage.Read(ctx, s.store, func(tx storage.Tx) error {
		var err error
		if sec, err = tx.GetSecret(ctx, secretID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.Wrap(err, apperr.KindNotFound, "SECRET_NOT_FOUND", "secret not found")
			}
			return err
		}
		cur, err = tx.GetSecretVersion(ctx, sec.CurrentVersionID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.perms.Check(ctx, sec.ProjectID, actor, action, permission.SubjectSecrets,
		attrs(sec.Environment, sec.FolderPath, sec.Key, cur.TagIDs)); err != nil {
		return nil, nil, err
	}
	return sec, cur, nil
}

// canReadValue reports whether actor may see the values of sec.
func (s *Service) canReadValue(ctx context.Context, actor models.Actor, sec *models.Secret, cur *models.SecretVersion) (bool, error) {
	err := s.perms.Check(ctx, sec.ProjectID, actor, permission.ActionReadValue, permission.SubjectSecrets,
		attrs(sec.Environment, sec.FolderPath, sec.Key, cur.TagIDs))
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.KindForbidden):
		return false, nil
	}
	return false, err
}

// ListVersions returns a page of a secret's versions, oldest first, and the total.
// A limit of 0 returns every version from offset on.
func (s *Service) ListVersions(ctx context.Context, actor models.Actor, secretID string, limit, offset int) ([]*Version, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, apperr.Validation("INVALID_PAGINATION", "limit and offset must not be negative")
	}
	sec, cur, err := s.secretByID(ctx, actor, secretID, permission.ActionDescribeSecret)
	if err != nil {
		return nil, 0, err
	}
	readable, err := s.canReadValue(ctx, actor, sec, cur)
	if err != nil {
		return nil, 0, err
	}
	var (
		rows  []*models.SecretVersion
		total int
	)
	err = storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		rows, total, err = s.vs.ListVersions(ctx, tx, secretID, limit, offset)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Version, 0, len(rows))
	for _, v := range rows {
		view, err := s.versionView(sec.ProjectID, v)
		if err != nil {
			return nil, 0, err
		}
		if !readable {
			view.redact()
		}
		out = append(out, view)
	}
	return out, total, nil
}

// ReadVersion returns one decrypted version of a secret.
func (s *Service) ReadVersion(ctx context.Context, actor models.Actor, secretID string, version int) (*Version, error) {
	sec, cur, err := s.secretByID(ctx, actor, secretID, permission.ActionDescribeSecret)
	if err != nil {
		return nil, err
	}
	readable, err := s.canReadValue(ctx, actor, sec, cur)
	if err != nil {
		return nil, err
	}
	var v *models.SecretVersion
	err = storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		v, err = s.vs.ReadSecretAtVersion(ctx, tx, secretID, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := s.versionView(sec.ProjectID, v)
	if err != nil {
		return nil, err
	}
	if !readable {
		out.redact()
	}
	return out, nil
}

// Restore writes the content of a historical version as a new version,
// bringing a deleted secret back. Under an approval policy the restore is
// proposed as a request instead.
func (s *Service) Restore(ctx context.Context, actor models.Actor, secretID string, version int) (*WriteResult, error) {
	sec, _, err := s.secretByID(ctx, actor, secretID, permission.ActionEdit)
	if err != nil {
		return nil, err
	}
	var old *models.SecretVersion
	err = storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		old, err = s.vs.ReadSecretAtVersion(ctx, tx, secretID, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.perms.Check(ctx, sec.ProjectID, actor, permission.ActionEdit, permission.SubjectSecrets,
		attrs(sec.Environment, sec.FolderPath, old.Key, old.TagIDs)); err != nil {
		return nil, err
	}

	pol, err := s.policyFor(ctx, actor, sec.Type, sec.ProjectID, sec.Environment, sec.FolderPath, old.Key)
	if err != nil {
		return nil, err
	}
	if pol != nil {
		comment := old.Comment
		c := models.Commit{
			Op: models.CommitUpdate, Key: sec.Key, Value: old.Value, HasValue: true,
			Comment: &comment, TagIDs: old.TagIDs, Metadata: old.Metadata,
		}
		if sec.IsDeleted() {
			c.Op, c.Key, c.SecretID = models.CommitCreate, old.Key, sec.ID
		} else if old.Key != sec.Key {
			c.NewKey = old.Key
		}
		req, err := s.approvals.Submit(ctx, actor, pol, sec.FolderPath, []models.Commit{c})
		if err != nil {
			return nil, err
		}
		return &WriteResult{Request: req}, nil
	}

	var v *models.SecretVersion
	err = storage.Write(ctx, s.store, func(tx storage.Tx) (err error) {
		if sec, v, err = s.vs.RestoreSecret(ctx, tx, secretID, version, actor); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeSecretRestored, sec.ProjectID, actor, map[string]any{
			"environment": sec.Environment, "secret_id": sec.ID, "from_version": version, "version": sec.Version,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.landed("restore", sec, actor)
	out, err := s.view(sec, v)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Secret: out}, nil
}
