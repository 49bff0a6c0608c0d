// Package snapshot captures point-in-time references to an environment's
// secret tree and rolls the tree back to them.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/crypto"
	"github.com/org/secretflow/internal/diff"
	"github.com/org/secretflow/internal/metrics"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

// DefaultPageSize is used when a listing asks for no limit.
const DefaultPageSize = 20

// Config controls snapshot scheduling and retention.
type Config struct {
	// AutoSnapshot captures the environment after every landed change.
	AutoSnapshot bool
	// Retention is the number of snapshots kept per environment; 0 keeps all.
	Retention int
}

// Service creates, reads, compares and rolls back snapshots.
type Service struct {
	store  storage.Backend
	perms  *permission.Engine
	cipher crypto.Cipher
	vs     *versionstore.Store
	audit  *audit.Logger
	pool   *worker.Pool
	cfg    Config
}

// NewService wires a snapshot Service.
func NewService(store storage.Backend, perms *permission.Engine, cipher crypto.Cipher, vs *versionstore.Store,
	auditor *audit.Logger, pool *worker.Pool, cfg Config) *Service {
	return &Service{store: store, perms: perms, cipher: cipher, vs: vs, audit: auditor, pool: pool, cfg: cfg}
}

// Tree is the content of a snapshot with values decrypted.
type Tree struct {
	Snapshot *models.Snapshot `json:"snapshot"`
	Folders  []diff.Folder    `json:"folders"`
	Secrets  []diff.Secret    `json:"secrets"`
}

// Comparison is the classified difference from a snapshot to the current tree.
type Comparison struct {
	SnapshotID string             `json:"snapshot_id"`
	Path       string             `json:"path"`
	Folders    []diff.FolderEntry `json:"folders"`
	Secrets    []diff.SecretEntry `json:"secrets"`
}

// Create captures an environment on behalf of actor.
func (s *Service) Create(ctx context.Context, actor models.Actor, projectID, environment string) (*models.Snapshot, error) {
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionCreate, permission.SubjectSecretRollback,
		permission.Attributes{Environment: environment}); err != nil {
		return nil, err
	}
	snap, err := s.Capture(ctx, projectID, environment)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.Entry(audit.TypeSnapshotCreated, projectID, actor, map[string]any{
		"environment": environment, "snapshot_id": snap.ID, "sequence": snap.Sequence,
	}))
	return snap, nil
}

// Capture records the current version of every live folder and secret of an
// environment. The walk runs under repeatable read with the environment lock
// held, and the snapshot with all its items commits as one unit.
func (s *Service) Capture(ctx context.Context, projectID, environment string) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := s.store.InTx(ctx, storage.TxOptions{Isolation: storage.RepeatableRead}, func(tx storage.Tx) error {
		if err := tx.LockEnvironment(ctx, projectID, environment); err != nil {
			return err
		}
		seq, err := tx.MaxSnapshotSequence(ctx, projectID, environment)
		if err != nil {
			return err
		}
		secrets, err := tx.ListSecrets(ctx, storage.SecretFilter{ProjectID: projectID, Environment: environment})
		if err != nil {
			return fmt.Errorf("walking secrets: %w", err)
		}
		folders, err := tx.ListFolders(ctx, storage.FolderFilter{ProjectID: projectID, Environment: environment})
		if err != nil {
			return fmt.Errorf("walking folders: %w", err)
		}
		secretVersionIDs := make([]string, 0, len(secrets))
		for _, sec := range secrets {
			secretVersionIDs = append(secretVersionIDs, sec.CurrentVersionID)
		}
		folderVersionIDs := make([]string, 0, len(folders))
		for _, f := range folders {
			folderVersionIDs = append(folderVersionIDs, f.CurrentVersionID)
		}
		snap = &models.Snapshot{
			ID:          models.NewID(),
			ProjectID:   projectID,
			Environment: environment,
			Sequence:    seq + 1,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.InsertSnapshot(ctx, snap, secretVersionIDs, folderVersionIDs)
	})
	if err != nil {
		return nil, err
	}
	metrics.SnapshotsCreated.Inc()
	log.Info().Str("project_id", projectID).Str("environment", environment).Str("snapshot_id", snap.ID).
		Int("sequence", snap.Sequence).Msg("snapshot created")
	return snap, nil
}

func (s *Service) load(ctx context.Context, tx storage.Tx, id string) (*models.Snapshot, error) {
	snap, err := tx.GetSnapshot(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Wrap(err, apperr.KindNotFound, "SNAPSHOT_NOT_FOUND", "snapshot not found")
		}
		return nil, err
	}
	return snap, nil
}

// authorize loads a snapshot and checks action on it. Permission checks run
// outside the caller's transaction.
func (s *Service) authorize(ctx context.Context, actor models.Actor, id string, action permission.Action, path string) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		snap, err = s.load(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	attrs := permission.Attributes{Environment: snap.Environment, SecretPath: path}
	if err := s.perms.Check(ctx, snap.ProjectID, actor, action, permission.SubjectSecretRollback, attrs); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns the decrypted tree recorded by a snapshot.
func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*Tree, error) {
	snap, err := s.authorize(ctx, actor, id, permission.ActionRead, "")
	if err != nil {
		return nil, err
	}
	var tree *Tree
	err = storage.Read(ctx, s.store, func(tx storage.Tx) error {
		st, err := s.snapshotState(ctx, tx, snap, "/")
		if err != nil {
			return err
		}
		tree = &Tree{Snapshot: snap, Folders: st.folders, Secrets: st.secrets}
		return nil
	})
	return tree, err
}

// List returns an environment's snapshots, newest first, and the total count.
func (s *Service) List(ctx context.Context, actor models.Actor, projectID, environment string, limit, offset int) ([]*models.Snapshot, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, apperr.Validation("INVALID_PAGINATION", "limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionRead, permission.SubjectSecretRollback,
		permission.Attributes{Environment: environment}); err != nil {
		return nil, 0, err
	}
	var (
		out   []*models.Snapshot
		total int
	)
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		if out, err = tx.ListSnapshots(ctx, projectID, environment, limit, offset); err != nil {
			return err
		}
		total, err = tx.CountSnapshots(ctx, projectID, environment)
		return err
	})
	return out, total, err
}

// Count returns the number of snapshots of an environment.
func (s *Service) Count(ctx context.Context, actor models.Actor, projectID, environment string) (int, error) {
	if err := s.perms.Check(ctx, projectID, actor, permission.ActionRead, permission.SubjectSecretRollback,
		permission.Attributes{Environment: environment}); err != nil {
		return 0, err
	}
	var n int
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		n, err = tx.CountSnapshots(ctx, projectID, environment)
		return err
	})
	return n, err
}

// Diff compares a snapshot with the current tree below path.
func (s *Service) Diff(ctx context.Context, actor models.Actor, id, path string) (*Comparison, error) {
	path = models.CleanPath(path)
	snap, err := s.authorize(ctx, actor, id, permission.ActionRead, path)
	if err != nil {
		return nil, err
	}
	var cmp *Comparison
	err = storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		cmp, _, err = s.compare(ctx, tx, snap, path)
		return err
	})
	return cmp, err
}

// Prune deletes the oldest snapshots beyond the retention count.
func (s *Service) Prune(ctx context.Context, projectID, environment string) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	var n int
	err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.LockEnvironment(ctx, projectID, environment); err != nil {
			return err
		}
		maxSeq, err := tx.MaxSnapshotSequence(ctx, projectID, environment)
		if err != nil {
			return err
		}
		n, err = tx.DeleteSnapshotsBelow(ctx, projectID, environment, maxSeq-s.cfg.Retention+1)
		return err
	})
	if err == nil && n > 0 {
		log.Info().Str("project_id", projectID).Str("environment", environment).Int("deleted", n).
			Msg("pruned snapshots")
	}
	return n, err
}

// AfterChange schedules a capture and prune when auto snapshots are enabled.
func (s *Service) AfterChange(projectID, environment string) {
	if s == nil || !s.cfg.AutoSnapshot {
		return
	}
	s.pool.Go("auto-snapshot", func(ctx context.Context) {
		if _, err := s.Capture(ctx, projectID, environment); err != nil {
			log.Error().Err(err).Str("project_id", projectID).Str("environment", environment).
				Msg("auto snapshot failed")
			return
		}
		if _, err := s.Prune(ctx, projectID, environment); err != nil {
			log.Error().Err(err).Str("project_id", projectID).Str("environment", environment).
				Msg("snapshot prune failed")
		}
	})
}
