package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/diff"
	"github.com/org/secretflow/internal/metrics"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/pkg/models"
)

// RollbackResult lists the changes a rollback applied.
type RollbackResult struct {
	SnapshotID string             `json:"snapshot_id"`
	Path       string             `json:"path"`
	Folders    []diff.FolderEntry `json:"folders"`
	Secrets    []diff.SecretEntry `json:"secrets"`
}

// state is one side of a comparison. versions keeps the raw snapshot rows so
// a rollback can reuse their ciphertext.
type state struct {
	folders  []diff.Folder
	secrets  []diff.Secret
	versions map[string]*models.SecretVersion
}

func (s *Service) plaintext(projectID string, ct []byte) (string, error) {
	if len(ct) == 0 {
		return "", nil
	}
	pt, err := s.cipher.Decrypt(projectID, ct)
	if err != nil {
		return "", apperr.Internal(err, "decrypting secret value")
	}
	return string(pt), nil
}

func (s *Service) secretState(projectID string, versions []*models.SecretVersion, path string) ([]diff.Secret, map[string]*models.SecretVersion, error) {
	out := make([]diff.Secret, 0, len(versions))
	raw := make(map[string]*models.SecretVersion, len(versions))
	for _, v := range versions {
		if !models.PathWithin(v.FolderPath, path) {
			continue
		}
		value, err := s.plaintext(projectID, v.Value)
		if err != nil {
			return nil, nil, err
		}
		override, err := s.plaintext(projectID, v.ValueOverride)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, diff.FromVersion(v, value, override))
		raw[v.SecretID] = v
	}
	return out, raw, nil
}

func folderState(versions []*models.FolderVersion, path string) []diff.Folder {
	out := make([]diff.Folder, 0, len(versions))
	for _, v := range versions {
		if models.PathWithin(v.Path, path) {
			out = append(out, diff.FromFolderVersion(v))
		}
	}
	return out
}

func (s *Service) snapshotState(ctx context.Context, tx storage.Tx, snap *models.Snapshot, path string) (*state, error) {
	secretIDs, folderIDs, err := tx.SnapshotItems(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	sv, err := tx.GetSecretVersions(ctx, secretIDs)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot secret versions: %w", err)
	}
	fv, err := tx.GetFolderVersions(ctx, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot folder versions: %w", err)
	}
	secrets, raw, err := s.secretState(snap.ProjectID, sv, path)
	if err != nil {
		return nil, err
	}
	return &state{folders: folderState(fv, path), secrets: secrets, versions: raw}, nil
}

func (s *Service) currentState(ctx context.Context, tx storage.Tx, projectID, environment, path string) (*state, error) {
	secrets, err := tx.ListSecrets(ctx, storage.SecretFilter{
		ProjectID: projectID, Environment: environment, FolderPath: path, Recursive: true,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(secrets))
	for _, sec := range secrets {
		ids = append(ids, sec.CurrentVersionID)
	}
	sv, err := tx.GetSecretVersions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading current secret versions: %w", err)
	}
	folders, err := tx.ListFolders(ctx, storage.FolderFilter{ProjectID: projectID, Environment: environment})
	if err != nil {
		return nil, err
	}
	fids := make([]string, 0, len(folders))
	for _, f := range folders {
		fids = append(fids, f.CurrentVersionID)
	}
	fv, err := tx.GetFolderVersions(ctx, fids)
	if err != nil {
		return nil, fmt.Errorf("loading current folder versions: %w", err)
	}
	out, raw, err := s.secretState(projectID, sv, path)
	if err != nil {
		return nil, err
	}
	return &state{folders: folderState(fv, path), secrets: out, versions: raw}, nil
}

// compare classifies snapshot→current below path.
func (s *Service) compare(ctx context.Context, tx storage.Tx, snap *models.Snapshot, path string) (*Comparison, *state, error) {
	from, err := s.snapshotState(ctx, tx, snap, path)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.currentState(ctx, tx, snap.ProjectID, snap.Environment, path)
	if err != nil {
		return nil, nil, err
	}
	return &Comparison{
		SnapshotID: snap.ID,
		Path:       path,
		Folders:    diff.Folders(from.folders, to.folders),
		Secrets:    diff.Secrets(from.secrets, to.secrets),
	}, from, nil
}

// Rollback makes the tree below path equal to what the snapshot recorded.
// Differing secrets get a new version carrying the snapshot's content, items
// created since the snapshot are deleted, items deleted since are revived.
// Everything happens in one transaction; on any failure nothing changes.
func (s *Service) Rollback(ctx context.Context, actor models.Actor, id, path string) (*RollbackResult, error) {
	path = models.CleanPath(path)
	snap, err := s.authorize(ctx, actor, id, permission.ActionCreate, path)
	if err != nil {
		return nil, err
	}

	var res *RollbackResult
	err = s.store.InTx(ctx, storage.TxOptions{Isolation: storage.RepeatableRead}, func(tx storage.Tx) error {
		if err := tx.LockEnvironment(ctx, snap.ProjectID, snap.Environment); err != nil {
			return err
		}
		cmp, from, err := s.compare(ctx, tx, snap, path)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, tx, cmp, from, actor); err != nil {
			return err
		}

		after, _, err := s.compare(ctx, tx, snap, path)
		if err != nil {
			return err
		}
		if n := len(diff.Changes(after.Secrets)) + len(diff.Changes(after.Folders)); n > 0 {
			return apperr.Conflict("ROLLBACK_INCOMPLETE",
				fmt.Sprintf("%d items still differ from the snapshot after rollback", n))
		}

		res = &RollbackResult{
			SnapshotID: snap.ID,
			Path:       path,
			Folders:    diff.Changes(cmp.Folders),
			Secrets:    diff.Changes(cmp.Secrets),
		}
		counts := diff.Count(cmp.Secrets)
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeSnapshotRollback, snap.ProjectID, actor, map[string]any{
			"environment": snap.Environment,
			"snapshot_id": snap.ID,
			"path":        path,
			"created":     counts[diff.Created],
			"modified":    counts[diff.Modified],
			"deleted":     counts[diff.Deleted],
		}))
	})
	if err != nil {
		metrics.Rollbacks.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("snapshot_id", id).Str("path", path).Msg("rollback failed")
		return nil, err
	}
	metrics.Rollbacks.WithLabelValues("success").Inc()
	log.Info().Str("project_id", snap.ProjectID).Str("environment", snap.Environment).Str("snapshot_id", snap.ID).
		Str("path", path).Int("secrets", len(res.Secrets)).Int("folders", len(res.Folders)).Msg("rollback applied")
	s.AfterChange(snap.ProjectID, snap.Environment)
	return res, nil
}

// apply reconciles current state to the snapshot. Removals run first so that
// revived items never collide with the live items they replace.
func (s *Service) apply(ctx context.Context, tx storage.Tx, cmp *Comparison, from *state, actor models.Actor) error {
	for _, e := range cmp.Secrets {
		if e.Mode == diff.Created {
			if _, err := s.vs.DeleteSecret(ctx, tx, e.ID); err != nil {
				return fmt.Errorf("removing secret %s: %w", e.Post.Key, err)
			}
		}
	}

	var removed, revived []diff.FolderEntry
	for _, e := range cmp.Folders {
		switch e.Mode {
		case diff.Created:
			removed = append(removed, e)
		case diff.Deleted:
			revived = append(revived, e)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Post.Path > removed[j].Post.Path })
	for _, e := range removed {
		if err := s.vs.DetachFolder(ctx, tx, e.ID); err != nil {
			return fmt.Errorf("removing folder %s: %w", e.Post.Path, err)
		}
	}
	sort.Slice(revived, func(i, j int) bool { return revived[i].Pre.Path < revived[j].Pre.Path })
	for _, e := range revived {
		if _, err := s.vs.ReviveFolder(ctx, tx, e.ID); err != nil {
			return fmt.Errorf("restoring folder %s: %w", e.Pre.Path, err)
		}
	}

	for _, mode := range []diff.Mode{diff.Modified, diff.Deleted} {
		for _, e := range cmp.Secrets {
			if e.Mode != mode {
				continue
			}
			v := from.versions[e.ID]
			if _, _, err := s.vs.Put(ctx, tx, e.ID, versionstore.ContentOf(v), actor); err != nil {
				return fmt.Errorf("restoring secret %s: %w", v.Key, err)
			}
		}
	}
	return nil
}
