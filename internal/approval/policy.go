// Package approval implements secret approval policies and the request
// workflow that gates writes to protected paths.
//
// Request states: Open → Approved → Merged; Open/Approved → Rejected;
// Open → Closed. Merged, Rejected and Closed are terminal.
package approval

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/notification"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/pkg/models"
)

// Service manages approval policies and requests.
type Service struct {
	store  storage.Backend
	perms  *permission.Engine
	vs     *versionstore.Store
	audit  *audit.Logger
	notify *notification.Dispatcher
	snaps  *snapshot.Service
	now    func() time.Time
}

// NewService wires an approval Service. notify and snaps may be nil.
func NewService(store storage.Backend, perms *permission.Engine, vs *versionstore.Store, auditor *audit.Logger,
	notify *notification.Dispatcher, snaps *snapshot.Service) *Service {
	return &Service{
		store:  store,
		perms:  perms,
		vs:     vs,
		audit:  auditor,
		notify: notify,
		snaps:  snaps,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PolicyInput is the writable part of an ApprovalPolicy.
type PolicyInput struct {
	Name              string                  `json:"name"`
	Environment       string                  `json:"environment"`
	SecretPath        string                  `json:"secret_path"`
	Approvers         []models.Approver       `json:"approvers"`
	Bypassers         []models.Approver       `json:"bypassers"`
	RequiredApprovals int                     `json:"required_approvals"`
	EnforcementLevel  models.EnforcementLevel `json:"enforcement_level"`
	AllowSelfApproval bool                    `json:"allow_self_approval"`
}

func validateApprovers(field string, list []models.Approver) error {
	seen := map[models.Approver]bool{}
	for _, a := range list {
		if a.Type != models.PrincipalUser && a.Type != models.PrincipalGroup {
			return apperr.Validation("INVALID_POLICY", fmt.Sprintf("%s: unknown principal type %q", field, a.Type))
		}
		if strings.TrimSpace(a.ID) == "" {
			return apperr.Validation("INVALID_POLICY", field+": principal id is required")
		}
		if seen[a] {
			return apperr.Validation("INVALID_POLICY", fmt.Sprintf("%s: %s %s listed twice", field, a.Type, a.ID))
		}
		seen[a] = true
	}
	return nil
}

// Validate checks the input and fills defaults.
func (in *PolicyInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return apperr.Validation("INVALID_POLICY", "name is required")
	}
	if in.Environment == "" {
		return apperr.Validation("INVALID_POLICY", "environment is required")
	}
	if in.SecretPath == "" {
		in.SecretPath = "/**"
	}
	if !strings.HasPrefix(in.SecretPath, "/") || !doublestar.ValidatePattern(in.SecretPath) {
		return apperr.Validation("INVALID_POLICY", fmt.Sprintf("invalid secret path pattern %q", in.SecretPath))
	}
	if len(in.Approvers) == 0 {
		return apperr.Validation("INVALID_POLICY", "at least one approver is required")
	}
	if err := validateApprovers("approvers", in.Approvers); err != nil {
		return err
	}
	if err := validateApprovers("bypassers", in.Bypassers); err != nil {
		return err
	}
	if in.RequiredApprovals < 1 || in.RequiredApprovals > len(in.Approvers) {
		return apperr.Validation("INVALID_POLICY",
			fmt.Sprintf("required approvals must be between 1 and %d", len(in.Approvers)))
	}
	switch in.EnforcementLevel {
	case "":
		in.EnforcementLevel = models.EnforcementHard
	case models.EnforcementHard, models.EnforcementSoft:
	default:
		return apperr.Validation("INVALID_POLICY", fmt.Sprintf("unknown enforcement level %q", in.EnforcementLevel))
	}
	return nil
}

func (s *Service) check(ctx context.Context, actor models.Actor, projectID string, action permission.Action, env string) error {
	return s.perms.Check(ctx, projectID, actor, action, permission.SubjectSecretApproval,
		permission.Attributes{Environment: env})
}

// CreatePolicy stores a new policy.
func (s *Service) CreatePolicy(ctx context.Context, actor models.Actor, projectID string, in PolicyInput) (*models.ApprovalPolicy, error) {
	if err := s.check(ctx, actor, projectID, permission.ActionCreate, in.Environment); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p := &models.ApprovalPolicy{ID: models.NewID(), ProjectID: projectID, CreatedAt: now}
	applyInput(p, in, now)
	if err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		return tx.InsertApprovalPolicy(ctx, p)
	}); err != nil {
		return nil, err
	}
	s.audit.Record(audit.Entry(audit.TypePolicyCreated, projectID, actor, map[string]any{
		"policy_id": p.ID, "environment": p.Environment, "secret_path": p.SecretPath,
	}))
	log.Info().Str("project_id", projectID).Str("policy_id", p.ID).Str("secret_path", p.SecretPath).
		Msg("approval policy created")
	return p, nil
}

func applyInput(p *models.ApprovalPolicy, in PolicyInput, now time.Time) {
	p.Name = in.Name
	p.Environment = in.Environment
	p.SecretPath = in.SecretPath
	p.Approvers = in.Approvers
	p.Bypassers = in.Bypassers
	p.RequiredApprovals = in.RequiredApprovals
	p.EnforcementLevel = in.EnforcementLevel
	p.AllowSelfApproval = in.AllowSelfApproval
	p.UpdatedAt = now
}

func (s *Service) loadPolicy(ctx context.Context, id string) (*models.ApprovalPolicy, error) {
	var p *models.ApprovalPolicy
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		p, err = tx.GetApprovalPolicy(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) || (err == nil && p.DeletedAt != nil) {
		return nil, apperr.NotFound("POLICY_NOT_FOUND", "approval policy not found")
	}
	return p, err
}

// GetPolicy returns a live policy.
func (s *Service) GetPolicy(ctx context.Context, actor models.Actor, id string) (*models.ApprovalPolicy, error) {
	p, err := s.loadPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, actor, p.ProjectID, permission.ActionRead, p.Environment); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePolicy replaces the writable fields of a policy. Open requests keep
// referring to it and are evaluated against the new settings.
func (s *Service) UpdatePolicy(ctx context.Context, actor models.Actor, id string, in PolicyInput) (*models.ApprovalPolicy, error) {
	p, err := s.loadPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, actor, p.ProjectID, permission.ActionEdit, p.Environment); err != nil {
		return nil, err
	}
	if in.Environment == "" {
		in.Environment = p.Environment
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	applyInput(p, in, s.now())
	if err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		return tx.UpdateApprovalPolicy(ctx, p)
	}); err != nil {
		return nil, err
	}
	s.audit.Record(audit.Entry(audit.TypePolicyUpdated, p.ProjectID, actor, map[string]any{"policy_id": p.ID}))
	return p, nil
}

// DeletePolicy soft-deletes a policy. Its requests can no longer be reviewed or merged.
func (s *Service) DeletePolicy(ctx context.Context, actor models.Actor, id string) error {
	p, err := s.loadPolicy(ctx, id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, actor, p.ProjectID, permission.ActionDelete, p.Environment); err != nil {
		return err
	}
	now := s.now()
	p.DeletedAt, p.UpdatedAt = &now, now
	if err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		return tx.UpdateApprovalPolicy(ctx, p)
	}); err != nil {
		return err
	}
	s.audit.Record(audit.Entry(audit.TypePolicyDeleted, p.ProjectID, actor, map[string]any{"policy_id": p.ID}))
	return nil
}

// ListPolicies returns the live policies of a project, optionally for one environment.
func (s *Service) ListPolicies(ctx context.Context, actor models.Actor, projectID, environment string) ([]*models.ApprovalPolicy, error) {
	if err := s.check(ctx, actor, projectID, permission.ActionRead, environment); err != nil {
		return nil, err
	}
	var out []*models.ApprovalPolicy
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		out, err = tx.ListApprovalPolicies(ctx, projectID, environment)
		return err
	})
	return out, err
}

// Match returns the policy governing key in folderPath, or nil.
func (s *Service) Match(ctx context.Context, projectID, environment, folderPath, key string) (*models.ApprovalPolicy, error) {
	var policies []*models.ApprovalPolicy
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		policies, err = tx.ListApprovalPolicies(ctx, projectID, environment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return MatchPolicy(policies, environment, folderPath, key), nil
}

// MatchPolicy picks the policy for a secret. A policy applies when its
// environment is equal and its pattern matches the folder path or the full
// secret path. Among applicable policies the longest literal prefix wins;
// ties go to the earliest created, then the lowest ID.
func MatchPolicy(policies []*models.ApprovalPolicy, environment, folderPath, key string) *models.ApprovalPolicy {
	folderPath = models.CleanPath(folderPath)
	full := folderPath
	if key != "" {
		full = path.Join(folderPath, key)
	}
	var best *models.ApprovalPolicy
	bestLen := -1
	for _, p := range policies {
		if p.DeletedAt != nil || p.Environment != environment {
			continue
		}
		if !globMatch(p.SecretPath, folderPath) && !globMatch(p.SecretPath, full) {
			continue
		}
		n := literalPrefixLen(p.SecretPath)
		if best == nil || n > bestLen || (n == bestLen && earlier(p, best)) {
			best, bestLen = p, n
		}
	}
	return best
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func literalPrefixLen(pattern string) int {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return i
	}
	return len(pattern)
}

func earlier(a, b *models.ApprovalPolicy) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
