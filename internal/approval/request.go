package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/metrics"
	"github.com/org/secretflow/internal/notification"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/pkg/models"
)

// Gated reports whether a write by actor to a secret of type typ goes through
// approval policies. Machine identities, service tokens and personal
// overrides write directly.
func Gated(actor models.Actor, typ models.SecretType) bool {
	return actor.Type == models.ActorUser && typ != models.SecretTypePersonal
}

// mergeFailure marks an error raised while applying commits, as opposed to a
// precondition failure of the merge itself.
type mergeFailure struct{ err error }

func (m *mergeFailure) Error() string { return m.err.Error() }
func (m *mergeFailure) Unwrap() error { return m.err }

// Submit opens a request under policy carrying commits for folderPath. Update
// and delete commits are pinned to the secret's current version; create
// commits must not name an existing key. A request overlapping an open or
// approved request on the same keys is a conflict.
func (s *Service) Submit(ctx context.Context, actor models.Actor, policy *models.ApprovalPolicy, folderPath string, commits []models.Commit) (*models.ApprovalRequest, error) {
	if len(commits) == 0 {
		return nil, apperr.Validation("EMPTY_REQUEST", "an approval request needs at least one change")
	}
	folderPath = models.CleanPath(folderPath)
	now := s.now()
	req := &models.ApprovalRequest{
		ID:          models.NewID(),
		PolicyID:    policy.ID,
		ProjectID:   policy.ProjectID,
		Environment: policy.Environment,
		FolderPath:  folderPath,
		Status:      models.RequestOpen,
		Commits:     slices.Clone(commits),
		CommitterID: actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		if err := tx.LockEnvironment(ctx, req.ProjectID, req.Environment); err != nil {
			return err
		}
		active, err := tx.ListApprovalRequests(ctx, storage.RequestFilter{
			ProjectID:   req.ProjectID,
			Environment: req.Environment,
			Statuses:    []models.RequestStatus{models.RequestOpen, models.RequestApproved},
		})
		if err != nil {
			return err
		}
		for i := range req.Commits {
			c := &req.Commits[i]
			if err := versionstore.ValidateKey(c.Key); err != nil {
				return err
			}
			for _, other := range active {
				if other.FolderPath == folderPath && (other.Touches(c.Key) || (c.NewKey != "" && other.Touches(c.NewKey))) {
					return apperr.Conflict("REQUEST_OVERLAP",
						fmt.Sprintf("secret %s already has a pending request %s", c.Key, other.ID))
				}
			}
			if err := pin(ctx, tx, req, c); err != nil {
				return err
			}
		}
		if err := tx.InsertApprovalRequest(ctx, req); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeRequestOpened, req.ProjectID, actor, map[string]any{
			"request_id": req.ID, "policy_id": policy.ID, "environment": req.Environment,
			"folder_path": folderPath, "commits": len(req.Commits),
		}))
	})
	if err != nil {
		return nil, err
	}
	metrics.ApprovalTransitions.WithLabelValues(string(models.RequestOpen)).Inc()
	s.notify.Notify(event(notification.TypeRequestOpened, req, actor.ID, principalIDs(policy.Approvers)))
	log.Info().Str("project_id", req.ProjectID).Str("request_id", req.ID).Str("policy_id", policy.ID).
		Str("folder_path", folderPath).Msg("approval request opened")
	return req, nil
}

func pin(ctx context.Context, tx storage.Tx, req *models.ApprovalRequest, c *models.Commit) error {
	sec, err := tx.FindSecret(ctx, req.ProjectID, req.Environment, req.FolderPath, c.Key)
	switch c.Op {
	case models.CommitCreate:
		if err == nil {
			return apperr.Conflict("SECRET_EXISTS", fmt.Sprintf("secret %s already exists in %s", c.Key, req.FolderPath))
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if c.SecretID == "" {
			c.BaseVersion = 0
			return nil
		}
		// reviving a deleted secret keeps its id and version sequence
		gone, err := tx.GetSecret(ctx, c.SecretID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && (!gone.IsDeleted() || gone.ProjectID != req.ProjectID)) {
			return apperr.NotFound("SECRET_NOT_FOUND", fmt.Sprintf("deleted secret %s not found", c.SecretID))
		}
		if err != nil {
			return err
		}
		c.BaseVersion = gone.Version
	case models.CommitUpdate, models.CommitDelete:
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("SECRET_NOT_FOUND", fmt.Sprintf("secret %s not found in %s", c.Key, req.FolderPath))
		}
		if err != nil {
			return err
		}
		c.SecretID, c.BaseVersion = sec.ID, sec.Version
	default:
		return apperr.Validation("INVALID_COMMIT", fmt.Sprintf("unknown operation %q", c.Op))
	}
	return nil
}

// load returns a request and its policy, deleted or not.
func (s *Service) load(ctx context.Context, id string) (*models.ApprovalRequest, *models.ApprovalPolicy, error) {
	var (
		req *models.ApprovalRequest
		pol *models.ApprovalPolicy
	)
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		if req, err = tx.GetApprovalRequest(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.Wrap(err, apperr.KindNotFound, "REQUEST_NOT_FOUND", "approval request not found")
			}
			return err
		}
		pol, err = tx.GetApprovalPolicy(ctx, req.PolicyID)
		return err
	})
	return req, pol, err
}

// participant describes how an actor relates to a request.
type participant struct {
	res       *permission.Resolved
	committer bool
	approver  bool
	bypasser  bool
}

func (s *Service) participant(ctx context.Context, actor models.Actor, req *models.ApprovalRequest, pol *models.ApprovalPolicy) (*participant, error) {
	res, err := s.perms.Resolve(ctx, req.ProjectID, actor)
	if err != nil {
		return nil, apperr.Internal(err, "resolving permissions")
	}
	p := &participant{res: res, committer: actor.Type == models.ActorUser && actor.ID == req.CommitterID}
	if actor.Type == models.ActorUser {
		p.approver = isListed(pol.Approvers, actor.ID, res.GroupIDs)
		p.bypasser = pol.EnforcementLevel == models.EnforcementSoft &&
			(len(pol.Bypassers) == 0 || isListed(pol.Bypassers, actor.ID, res.GroupIDs))
	}
	return p, nil
}

func (p *participant) canAccess() bool {
	return p.committer || p.approver || p.res.HasRole(permission.RoleAdmin)
}

// Get returns a request visible to its committer, its approvers and admins.
func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.ApprovalRequest, error) {
	req, pol, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.participant(ctx, actor, req, pol)
	if err != nil {
		return nil, err
	}
	if !p.canAccess() {
		return nil, apperr.Forbidden("PERMISSION_DENIED", "not a participant of this request")
	}
	return req, nil
}

// List returns requests of a project, oldest first.
func (s *Service) List(ctx context.Context, actor models.Actor, f storage.RequestFilter) ([]*models.ApprovalRequest, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, apperr.Validation("INVALID_PAGINATION", "limit and offset must not be negative")
	}
	if err := s.check(ctx, actor, f.ProjectID, permission.ActionRead, f.Environment); err != nil {
		return nil, err
	}
	var out []*models.ApprovalRequest
	err := storage.Read(ctx, s.store, func(tx storage.Tx) (err error) {
		out, err = tx.ListApprovalRequests(ctx, f)
		return err
	})
	return out, err
}

// Review records actor's decision. A rejection ends the request; an approval
// moves it to Approved once the policy's required count is reached.
func (s *Service) Review(ctx context.Context, actor models.Actor, id string, status models.ReviewStatus, comment string) (*models.ApprovalRequest, error) {
	if status != models.ReviewApproved && status != models.ReviewRejected {
		return nil, apperr.Validation("INVALID_REVIEW", fmt.Sprintf("unknown review status %q", status))
	}
	req, pol, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pol.DeletedAt != nil {
		return nil, apperr.Validation("POLICY_DELETED", "the policy of this request was deleted")
	}
	p, err := s.participant(ctx, actor, req, pol)
	if err != nil {
		return nil, err
	}
	if !p.approver {
		return nil, apperr.Forbidden("NOT_AN_APPROVER", "only approvers of the policy can review")
	}
	if p.committer && !pol.AllowSelfApproval {
		return nil, apperr.Forbidden("SELF_APPROVAL", "the policy does not allow reviewing your own request")
	}

	var prev models.RequestStatus
	err = storage.Write(ctx, s.store, func(tx storage.Tx) error {
		r, err := tx.GetApprovalRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActive(r); err != nil {
			return err
		}
		prev = r.Status
		now := s.now()
		r.Reviews = upsertReview(r.Reviews, models.Review{
			ReviewerID: actor.ID, Status: status, Comment: comment, UpdatedAt: now,
		})
		if status == models.ReviewRejected {
			r.Status = models.RequestRejected
		} else if r.Status == models.RequestOpen {
			n, err := approvals(ctx, tx, pol, r)
			if err != nil {
				return err
			}
			if n >= pol.RequiredApprovals {
				r.Status = models.RequestApproved
			}
		}
		if r.Status != prev {
			r.StatusChangedBy = actor.ID
		}
		r.UpdatedAt = now
		if err := tx.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}
		req = r
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeRequestReviewed, r.ProjectID, actor, map[string]any{
			"request_id": r.ID, "review": string(status), "status": string(r.Status),
		}))
	})
	if err != nil {
		return nil, err
	}
	if req.Status != prev {
		s.transitioned(req, actor.ID, pol)
	}
	return req, nil
}

func upsertReview(reviews []models.Review, r models.Review) []models.Review {
	for i := range reviews {
		if reviews[i].ReviewerID == r.ReviewerID {
			reviews[i] = r
			return reviews
		}
	}
	return append(reviews, r)
}

func requireActive(r *models.ApprovalRequest) error {
	switch r.Status {
	case models.RequestMerged:
		return apperr.Conflict("REQUEST_ALREADY_MERGED", "approval request was already merged")
	case models.RequestRejected, models.RequestClosed:
		return apperr.Conflict("REQUEST_CLOSED", fmt.Sprintf("approval request is %s", r.Status))
	}
	return nil
}

// Merge applies the request's commits as one transaction, attributed to the
// committer. Every update or delete must still be at its pinned version and
// every create must still be free. When any commit fails nothing is written,
// the request keeps its status and the failure is recorded as MergeError.
//
// Under a soft policy a bypasser may merge without enough approvals by giving
// a reason.
func (s *Service) Merge(ctx context.Context, actor models.Actor, id, bypassReason string) (*models.ApprovalRequest, error) {
	req, pol, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pol.DeletedAt != nil {
		return nil, apperr.Validation("POLICY_DELETED", "the policy of this request was deleted")
	}
	p, err := s.participant(ctx, actor, req, pol)
	if err != nil {
		return nil, err
	}
	if !p.canAccess() {
		return nil, apperr.Forbidden("PERMISSION_DENIED", "not a participant of this request")
	}
	bypassReason = strings.TrimSpace(bypassReason)

	var bypassed bool
	err = s.store.InTx(ctx, storage.TxOptions{Isolation: storage.RepeatableRead}, func(tx storage.Tx) error {
		bypassed = false
		if err := tx.LockEnvironment(ctx, req.ProjectID, req.Environment); err != nil {
			return err
		}
		r, err := tx.GetApprovalRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActive(r); err != nil {
			return err
		}
		n, err := approvals(ctx, tx, pol, r)
		if err != nil {
			return err
		}
		if n < pol.RequiredApprovals {
			if !p.bypasser {
				return apperr.Validation("NOT_ENOUGH_APPROVALS",
					fmt.Sprintf("request has %d of %d required approvals", n, pol.RequiredApprovals))
			}
			if bypassReason == "" {
				return apperr.Validation("BYPASS_REASON_REQUIRED", "merging without approvals requires a reason")
			}
			bypassed = true
		}

		committer := models.Actor{Type: models.ActorUser, ID: r.CommitterID}
		for _, c := range r.Commits {
			if err := s.applyCommit(ctx, tx, r, c, committer); err != nil {
				return &mergeFailure{err: err}
			}
		}

		now := s.now()
		r.Status = models.RequestMerged
		r.StatusChangedBy = actor.ID
		r.MergedBy = actor.ID
		r.MergedAt = &now
		r.MergeError = ""
		if bypassed {
			r.BypassReason = bypassReason
		}
		r.UpdatedAt = now
		if err := tx.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}
		req = r
		typ := audit.TypeRequestMerged
		if bypassed {
			typ = audit.TypeRequestBypassed
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry(typ, r.ProjectID, actor, map[string]any{
			"request_id": r.ID, "committer_id": r.CommitterID, "commits": len(r.Commits), "bypass_reason": bypassReason,
		}))
	})
	if err != nil {
		var mf *mergeFailure
		if errors.As(err, &mf) {
			s.recordMergeError(ctx, id, mf.err)
			log.Warn().Err(mf.err).Str("request_id", id).Msg("approval request merge failed")
			return nil, mf.err
		}
		return nil, err
	}

	for _, c := range req.Commits {
		metrics.SecretWrites.WithLabelValues(string(c.Op)).Inc()
	}
	s.transitioned(req, actor.ID, pol)
	s.snaps.AfterChange(req.ProjectID, req.Environment)
	log.Info().Str("project_id", req.ProjectID).Str("request_id", req.ID).Str("merged_by", actor.ID).
		Bool("bypassed", bypassed).Int("commits", len(req.Commits)).Msg("approval request merged")
	return req, nil
}

func (s *Service) applyCommit(ctx context.Context, tx storage.Tx, r *models.ApprovalRequest, c models.Commit, committer models.Actor) error {
	if c.Op == models.CommitCreate {
		content := versionstore.Content{Key: c.Key, TagIDs: c.TagIDs, Metadata: c.Metadata}
		if c.HasValue {
			content.Value = c.Value
		}
		if c.Comment != nil {
			content.Comment = *c.Comment
		}
		if c.SecretID != "" {
			return s.revive(ctx, tx, c, content, committer)
		}
		ref := models.SecretRef{ProjectID: r.ProjectID, Environment: r.Environment, Path: r.FolderPath, Key: c.Key}
		_, _, err := s.vs.CreateSecret(ctx, tx, ref, models.SecretTypeShared, content, committer)
		return err
	}

	sec, err := tx.GetSecretForUpdate(ctx, c.SecretID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && sec.IsDeleted()) {
		return apperr.Conflict("SECRET_GONE", fmt.Sprintf("secret %s was deleted after the request was opened", c.Key))
	}
	if err != nil {
		return err
	}
	if sec.Version != c.BaseVersion {
		return apperr.Conflict("STALE_BASE_VERSION",
			fmt.Sprintf("secret %s is at version %d, request was opened against %d", c.Key, sec.Version, c.BaseVersion))
	}

	if c.Op == models.CommitDelete {
		_, err := s.vs.DeleteSecret(ctx, tx, sec.ID)
		return err
	}
	patch := versionstore.Patch{Comment: c.Comment, TagIDs: c.TagIDs, Metadata: c.Metadata}
	if c.NewKey != "" {
		patch.Key = &c.NewKey
	}
	if c.HasValue {
		patch.Value = c.Value
		if patch.Value == nil {
			patch.Value = []byte{}
		}
	}
	_, _, err = s.vs.WriteSecret(ctx, tx, sec.ID, patch, committer)
	return err
}

// revive lands a create commit that brings a deleted secret back under its own id.
func (s *Service) revive(ctx context.Context, tx storage.Tx, c models.Commit, content versionstore.Content, committer models.Actor) error {
	sec, err := tx.GetSecretForUpdate(ctx, c.SecretID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Conflict("SECRET_GONE", fmt.Sprintf("secret %s no longer exists", c.Key))
	}
	if err != nil {
		return err
	}
	if !sec.IsDeleted() || sec.Version != c.BaseVersion {
		return apperr.Conflict("STALE_BASE_VERSION",
			fmt.Sprintf("secret %s changed after the request was opened", c.Key))
	}
	_, _, err = s.vs.Put(ctx, tx, sec.ID, content, committer)
	return err
}

func (s *Service) recordMergeError(ctx context.Context, id string, cause error) {
	err := storage.Write(ctx, s.store, func(tx storage.Tx) error {
		r, err := tx.GetApprovalRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			return nil
		}
		r.MergeError = apperr.PublicMessage(cause)
		r.UpdatedAt = s.now()
		return tx.UpdateApprovalRequest(ctx, r)
	})
	if err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("recording merge error")
	}
}

// Close withdraws an open request. Only its committer or an admin may close it.
func (s *Service) Close(ctx context.Context, actor models.Actor, id string) (*models.ApprovalRequest, error) {
	req, pol, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.participant(ctx, actor, req, pol)
	if err != nil {
		return nil, err
	}
	if !p.committer && !p.res.HasRole(permission.RoleAdmin) {
		return nil, apperr.Forbidden("PERMISSION_DENIED", "only the committer or an admin can close a request")
	}
	err = storage.Write(ctx, s.store, func(tx storage.Tx) error {
		r, err := tx.GetApprovalRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requireActive(r); err != nil {
			return err
		}
		if r.Status != models.RequestOpen {
			return apperr.Conflict("REQUEST_NOT_OPEN", fmt.Sprintf("approval request is %s", r.Status))
		}
		r.Status = models.RequestClosed
		r.StatusChangedBy = actor.ID
		r.UpdatedAt = s.now()
		if err := tx.UpdateApprovalRequest(ctx, r); err != nil {
			return err
		}
		req = r
		return s.audit.RecordTx(ctx, tx, audit.Entry(audit.TypeRequestClosed, r.ProjectID, actor, map[string]any{
			"request_id": r.ID,
		}))
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(req, actor.ID, pol)
	return req, nil
}

func (s *Service) transitioned(req *models.ApprovalRequest, actorID string, pol *models.ApprovalPolicy) {
	metrics.ApprovalTransitions.WithLabelValues(string(req.Status)).Inc()
	var typ string
	recipients := []string{req.CommitterID}
	switch req.Status {
	case models.RequestApproved:
		typ = notification.TypeRequestApproved
	case models.RequestRejected:
		typ = notification.TypeRequestRejected
	case models.RequestMerged:
		typ = notification.TypeRequestMerged
	case models.RequestClosed:
		typ = notification.TypeRequestClosed
		recipients = principalIDs(pol.Approvers)
	default:
		return
	}
	s.notify.Notify(event(typ, req, actorID, recipients))
}

func event(typ string, req *models.ApprovalRequest, actorID string, recipients []string) notification.Event {
	return notification.Event{
		Type:        typ,
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		RequestID:   req.ID,
		PolicyID:    req.PolicyID,
		ActorID:     actorID,
		Recipients:  recipients,
		At:          req.UpdatedAt,
	}
}

func principalIDs(list []models.Approver) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}
