// Package secret is the entry point for secret reads and writes. It checks
// permissions, routes writes on protected paths into approval requests,
// encrypts values and lands direct writes in the version store.
package secret

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/crypto"
	"github.com/org/secretflow/internal/metrics"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/pkg/models"
)

// Service implements the secret operations exposed to clients.
type Service struct {
	store     storage.Backend
	perms     *permission.Engine
	cipher    crypto.Cipher
	vs        *versionstore.Store
	approvals *approval.Service
	snaps     *snapshot.Service
	audit     *audit.Logger
}

// NewService wires a secret Service. snaps may be nil.
func NewService(store storage.Backend, perms *permission.Engine, cipher crypto.Cipher, vs *versionstore.Store,
	approvals *approval.Service, snaps *snapshot.Service, auditor *audit.Logger) *Service {
	return &Service{store: store, perms: perms, cipher: cipher, vs: vs, approvals: approvals, snaps: snaps, audit: auditor}
}

// Secret is the decrypted current state of a secret.
type Secret struct {
	ID            string                 `json:"id"`
	ProjectID     string                 `json:"project_id"`
	Environment   string                 `json:"environment"`
	Path          string                 `json:"path"`
	Key           string                 `json:"key"`
	Type          models.SecretType      `json:"type"`
	Version       int                    `json:"version"`
	Value         string                 `json:"value"`
	ValueOverride string                 `json:"value_override,omitempty"`
	Comment       string                 `json:"comment"`
	TagIDs        []string               `json:"tag_ids"`
	Metadata      []models.MetadataEntry `json:"metadata"`
	UpdatedAt     time.Time              `json:"updated_at"`
	// ValueHidden is set when the actor may see the secret but not its value.
	ValueHidden bool `json:"secret_value_hidden"`
}

func (sec *Secret) redact() {
	sec.Value, sec.ValueOverride, sec.ValueHidden = "", "", true
}

// WriteResult is the outcome of a write. Exactly one field is set: Secret
// when the change landed, Request when a policy routed it to review.
type WriteResult struct {
	Secret  *Secret                 `json:"secret,omitempty"`
	Request *models.ApprovalRequest `json:"approval_request,omitempty"`
}

// CreateInput describes a new secret.
type CreateInput struct {
	ProjectID     string                 `json:"project_id"`
	Environment   string                 `json:"environment"`
	Path          string                 `json:"path"`
	Key           string                 `json:"key"`
	Type          models.SecretType      `json:"type"`
	Value         string                 `json:"value"`
	ValueOverride string                 `json:"value_override"`
	Comment       string                 `json:"comment"`
	TagIDs        []string               `json:"tag_ids"`
	Metadata      []models.MetadataEntry `json:"metadata"`
}

// UpdateInput is a partial update of the secret at Path/Key. Nil fields are kept.
type UpdateInput struct {
	ProjectID     string                 `json:"project_id"`
	Environment   string                 `json:"environment"`
	Path          string                 `json:"path"`
	Key           string                 `json:"key"`
	NewKey        *string                `json:"new_key"`
	Value         *string                `json:"value"`
	ValueOverride *string                `json:"value_override"`
	Comment       *string                `json:"comment"`
	TagIDs        []string               `json:"tag_ids"`
	Metadata      []models.MetadataEntry `json:"metadata"`
}

// attrs describes a secret to the permission engine. A secret always has a
// tag set, possibly empty.
func attrs(env, path, key string, tags []string) permission.Attributes {
	return permission.Attributes{Environment: env, SecretPath: path, SecretName: key, SecretTags: models.NormalizeTagIDs(tags)}
}

func (s *Service) encrypt(projectID, plaintext string) ([]byte, error) {
	ct, err := s.cipher.Encrypt(projectID, []byte(plaintext))
	if err != nil {
		return nil, apperr.Internal(err, "encrypting secret value")
	}
	return ct, nil
}

func (s *Service) decrypt(projectID string, ct []byte) (string, error) {
	if len(ct) == 0 {
		return "", nil
	}
	pt, err := s.cipher.Decrypt(projectID, ct)
	if err != nil {
		return "", apperr.Internal(err, "decrypting secret value")
	}
	return string(pt), nil
}

func (s *Service) view(sec *models.Secret, v *models.SecretVersion) (*Secret, error) {
	value, err := s.decrypt(sec.ProjectID, v.Value)
	if err != nil {
		return nil, err
	}
	override, err := s.decrypt(sec.ProjectID, v.ValueOverride)
	if err != nil {
		return nil, err
	}
	return &Secret{
		ID:            sec.ID,
		ProjectID:     sec.ProjectID,
		Environment:   sec.Environment,
		Path:          sec.FolderPath,
		Key:           sec.Key,
		Type:          sec.Type,
		Version:       sec.Version,
		Value:         value,
		ValueOverride: override,
		Comment:       v.Comment,
		TagIDs:        v.TagIDs,
		Metadata:      v.Metadata,
		UpdatedAt:     sec.UpdatedAt,
	}, nil
}

// policyFor returns the approval policy a write by actor must go through, or nil.
func (s *Service) policyFor(ctx context.Context, actor models.Actor, typ models.SecretType, projectID, env, path, key string) (*models.ApprovalPolicy, error) {
	if s.approvals == nil || !approval.Gated(actor, typ) {
		return nil, nil
	}
	return s.approvals.Match(ctx, projectID, env, path, key)
}

func (s *Service) landed(op string, sec *models.Secret, actor models.Actor) {
	metrics.SecretWrites.WithLabelValues(op).Inc()
	log.Info().Str("project_id", sec.ProjectID).Str("environment", sec.Environment).Str("secret_id", sec.ID).
		Str("op", op).Int("version", sec.Version).Str("actor_id", actor.ID).Msg("secret write landed")
	s.snaps.AfterChange(sec.ProjectID, sec.Environment)
}

// Create adds a secret, or opens an approval request when a policy covers it.
func (s *Service) Create(ctx context.Context, actor models.Actor, in CreateInput) (*WriteResult, error) {
	in.Path = models.CleanPath(in.Path)
	if err := versionstore.ValidateKey(in.Key); err != nil {
		return nil, err
	}
	if in.Environment == "" {
		return nil, apperr.Validation("INVALID_ENVIRONMENT", "environment is required")
	}
	if in.Type == "" {
		in.Type = models.SecretTypeShared
	}
	if err := s.perms.Check(ctx, in.ProjectID, actor, permission.ActionCreate, permission.SubjectSecrets,
		attrs(in.Environment, in.Path, in.Key, in.TagIDs)); err != nil {
		return nil, err
	}

	content := versionstore.Content{Key: in.Key, Comment: in.Comment, TagIDs: in.TagIDs, Metadata: in.Metadata}
	var err error
	if content.Value, err = s.encrypt(in.ProjectID, in.Value); err != nil {
		return nil, err
	}
	if in.ValueOverride != "" {
		if content.ValueOverride, err = s.encrypt(in.ProjectID, in.ValueOverride); err != nil {
			return nil, err
		}
	}

	pol, err := s.policyFor(ctx, actor, in.Type, in.ProjectID, in.Environment, in.Path, in.Key)
	if err != nil {
		return nil, err
	}
	if pol != nil {
		comment := in.Comment
		req, err := s.approvals.Submit(ctx, actor, pol, in.Path, []models.Commit{{
			Op: models.CommitCreate, Key: in.Key, Value: content.Value, HasValue: true,
			Comment: &comment, TagIDs: in.TagIDs, Metadata: in.Metadata,
		}})
		if err != nil {
			return nil, err
		}
		return &WriteResult{Request: req}, nil
	}

	var (
		sec *models.Secret
		v   *models.SecretVersion
	)
	ref := models.SecretRef{ProjectID: in.ProjectID, Environment: in.Environment, Path: in.Path, Key: in.Key}
	err = storage.Write(ctx, s.store, func(tx storage.Tx) (err error) {
		if sec, v, err = s.vs.CreateSecret(ctx, tx, ref, in.Type, content, actor); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeSecretCreated, in.ProjectID, actor, map[string]any{
			"environment": in.Environment, "path": in.Path, "key": in.Key, "secret_id": sec.ID, "version": sec.Version,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.landed("create", sec, actor)
	out, err := s.view(sec, v)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Secret: out}, nil
}

// find loads the live secret at ref with its current version.
func (s *Service) find(ctx context.Context, ref models.SecretRef) (*models.Secret, *models.SecretVersion, error) {
	ref.Path = models.CleanPath(ref.Path)
	var (
		sec *models.Secret
		v   *models.SecretVersion
	)
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		sec, v, err = s.vs.Find(ctx, tx, ref)
		return err
	})
	return sec, v, err
}

// Update changes the secret at in.Path/in.Key, or opens an approval request.
func (s *Service) Update(ctx context.Context, actor models.Actor, in UpdateInput) (*WriteResult, error) {
	in.Path = models.CleanPath(in.Path)
	sec, cur, err := s.find(ctx, models.SecretRef{ProjectID: in.ProjectID, Environment: in.Environment, Path: in.Path, Key: in.Key})
	if err != nil {
		return nil, err
	}
	if err := s.perms.Check(ctx, in.ProjectID, actor, permission.ActionEdit, permission.SubjectSecrets,
		attrs(in.Environment, in.Path, in.Key, cur.TagIDs)); err != nil {
		return nil, err
	}
	tags := cur.TagIDs
	if in.TagIDs != nil {
		tags = in.TagIDs
		if err := s.perms.Check(ctx, in.ProjectID, actor, permission.ActionEdit, permission.SubjectSecrets,
			attrs(in.Environment, in.Path, in.Key, tags)); err != nil {
			return nil, err
		}
	}
	if in.NewKey != nil && *in.NewKey != in.Key {
		if err := versionstore.ValidateKey(*in.NewKey); err != nil {
			return nil, err
		}
		if err := s.perms.Check(ctx, in.ProjectID, actor, permission.ActionCreate, permission.SubjectSecrets,
			attrs(in.Environment, in.Path, *in.NewKey, tags)); err != nil {
			return nil, err
		}
	}

	patch := versionstore.Patch{Key: in.NewKey, Comment: in.Comment, TagIDs: in.TagIDs, Metadata: in.Metadata}
	if in.Value != nil {
		if patch.Value, err = s.encrypt(in.ProjectID, *in.Value); err != nil {
			return nil, err
		}
	}
	if in.ValueOverride != nil {
		if patch.ValueOverride, err = s.encrypt(in.ProjectID, *in.ValueOverride); err != nil {
			return nil, err
		}
	}

	pol, err := s.policyFor(ctx, actor, sec.Type, in.ProjectID, in.Environment, in.Path, in.Key)
	if err != nil {
		return nil, err
	}
	if pol != nil {
		c := models.Commit{
			Op: models.CommitUpdate, Key: in.Key, Value: patch.Value, HasValue: in.Value != nil,
			Comment: in.Comment, TagIDs: in.TagIDs, Metadata: in.Metadata,
		}
		if in.NewKey != nil && *in.NewKey != in.Key {
			c.NewKey = *in.NewKey
		}
		req, err := s.approvals.Submit(ctx, actor, pol, in.Path, []models.Commit{c})
		if err != nil {
			return nil, err
		}
		return &WriteResult{Request: req}, nil
	}

	var v *models.SecretVersion
	err = storage.Write(ctx, s.store, func(tx storage.Tx) (err error) {
		if sec, v, err = s.vs.WriteSecret(ctx, tx, sec.ID, patch, actor); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeSecretUpdated, in.ProjectID, actor, map[string]any{
			"environment": in.Environment, "path": in.Path, "key": sec.Key, "secret_id": sec.ID, "version": sec.Version,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.landed("update", sec, actor)
	out, err := s.view(sec, v)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Secret: out}, nil
}

// Delete soft-deletes the secret at ref, or opens an approval request.
// The returned Secret describes the deleted state.
func (s *Service) Delete(ctx context.Context, actor models.Actor, ref models.SecretRef) (*WriteResult, error) {
	ref.Path = models.CleanPath(ref.Path)
	sec, cur, err := s.find(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Check(ctx, ref.ProjectID, actor, permission.ActionDelete, permission.SubjectSecrets,
		attrs(ref.Environment, ref.Path, ref.Key, cur.TagIDs)); err != nil {
		return nil, err
	}
	pol, err := s.policyFor(ctx, actor, sec.Type, ref.ProjectID, ref.Environment, ref.Path, ref.Key)
	if err != nil {
		return nil, err
	}
	if pol != nil {
		req, err := s.approvals.Submit(ctx, actor, pol, ref.Path, []models.Commit{{Op: models.CommitDelete, Key: ref.Key}})
		if err != nil {
			return nil, err
		}
		return &WriteResult{Request: req}, nil
	}

	err = storage.Write(ctx, s.store, func(tx storage.Tx) (err error) {
		if sec, err = s.vs.DeleteSecret(ctx, tx, sec.ID); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeSecretDeleted, ref.ProjectID, actor, map[string]any{
			"environment": ref.Environment, "path": ref.Path, "key": ref.Key, "secret_id": sec.ID,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.landed("delete", sec, actor)
	out, err := s.view(sec, cur)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Secret: out}, nil
}

// Get returns the decrypted secret at ref. The value is hidden unless the
// actor may read it.
func (s *Service) Get(ctx context.Context, actor models.Actor, ref models.SecretRef) (*Secret, error) {
	ref.Path = models.CleanPath(ref.Path)
	sec, v, err := s.find(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := s.perms.Resolve(ctx, ref.ProjectID, actor)
	if err != nil {
		return nil, apperr.Internal(err, "resolving permissions")
	}
	a := attrs(ref.Environment, ref.Path, ref.Key, v.TagIDs)
	if err := res.Check(permission.ActionDescribeSecret, permission.SubjectSecrets, a); err != nil {
		return nil, err
	}
	out, err := s.view(sec, v)
	if err != nil {
		return nil, err
	}
	if !res.Rules.Can(permission.ActionReadValue, permission.SubjectSecrets, a) {
		out.redact()
	}
	return out, nil
}

// List returns the secrets of a folder, or of its whole subtree when
// recursive is set, that actor may describe. Secrets hidden by conditional
// rules are left out and values the actor may not read are redacted.
func (s *Service) List(ctx context.Context, actor models.Actor, projectID, environment, path string, recursive bool) ([]*Secret, error) {
	path = models.CleanPath(path)
	res, err := s.perms.Resolve(ctx, projectID, actor)
	if err != nil {
		return nil, apperr.Internal(err, "resolving permissions")
	}
	if !res.Rules.CanAny(permission.ActionDescribeSecret, permission.SubjectSecrets) {
		return nil, res.Check(permission.ActionDescribeSecret, permission.SubjectSecrets, attrs(environment, path, "", nil))
	}

	var (
		secrets  []*models.Secret
		versions map[string]*models.SecretVersion
	)
	err = storage.Read(ctx, s.store, func(tx storage.Tx) error {
		var err error
		secrets, err = tx.ListSecrets(ctx, storage.SecretFilter{
			ProjectID: projectID, Environment: environment, FolderPath: path, Recursive: recursive,
		})
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(secrets))
		for _, sec := range secrets {
			ids = append(ids, sec.CurrentVersionID)
		}
		vs, err := tx.GetSecretVersions(ctx, ids)
		if err != nil {
			return fmt.Errorf("loading secret versions: %w", err)
		}
		versions = make(map[string]*models.SecretVersion, len(vs))
		for _, v := range vs {
			versions[v.SecretID] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Secret, 0, len(secrets))
	for _, sec := range secrets {
		v, ok := versions[sec.ID]
		if !ok {
			continue
		}
		a := attrs(environment, sec.FolderPath, sec.Key, v.TagIDs)
		if !res.Rules.Can(permission.ActionDescribeSecret, permission.SubjectSecrets, a) {
			continue
		}
		view, err := s.view(sec, v)
		if err != nil {
			return nil, err
		}
		if !res.Rules.Can(permission.ActionReadValue, permission.SubjectSecrets, a) {
			view.redact()
		}
		out = append(out, view)
	}
	sortSecrets(out)
	return out, nil
}
