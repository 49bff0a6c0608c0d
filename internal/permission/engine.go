package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/metrics"
	"github.com/org/secretflow/pkg/models"
)

// ErrRoleNotFound is returned by a DataSource when a custom role slug is unknown.
var ErrRoleNotFound = errors.New("role not found")

// DataSource supplies the role data the Engine resolves actors against.
type DataSource interface {
	GroupsForUser(ctx context.Context, projectID, userID string) ([]string, error)
	RoleAssignments(ctx context.Context, projectID string, pt models.PrincipalType, principalIDs []string) ([]*models.RoleAssignment, error)
	GetCustomRole(ctx context.Context, projectID, slug string) (*models.CustomRole, error)
}

// Resolved is the effective permission state of one actor in one project.
type Resolved struct {
	Actor    models.Actor
	GroupIDs []string
	Roles    []string
	Rules    RuleSet
}

// HasRole reports whether slug is among the actor's active roles.
func (r *Resolved) HasRole(slug string) bool {
	return slices.Contains(r.Roles, slug)
}

// Engine resolves actors into rule sets and checks access.
type Engine struct {
	src DataSource
	now func() time.Time
}

// NewEngine creates an Engine backed by src.
func NewEngine(src DataSource) *Engine {
	return &Engine{src: src, now: time.Now}
}

// WithClock overrides the time source used for temporary grants.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Resolve builds the actor's rule set from direct and group-inherited roles.
// Expired temporary grants and unknown custom roles contribute nothing.
func (e *Engine) Resolve(ctx context.Context, projectID string, actor models.Actor) (*Resolved, error) {
	res := &Resolved{Actor: actor}
	if actor.ID == "" {
		return res, nil
	}
	if actor.Type == models.ActorService {
		res.Rules = ServiceTokenRules(actor.Scopes, actor.Access)
		return res, nil
	}

	assignments, err := e.src.RoleAssignments(ctx, projectID, models.PrincipalUser, []string{actor.ID})
	if err != nil {
		return nil, fmt.Errorf("loading role assignments: %w", err)
	}
	if actor.Type == models.ActorUser {
		groups, err := e.src.GroupsForUser(ctx, projectID, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("loading group memberships: %w", err)
		}
		res.GroupIDs = groups
		if len(groups) > 0 {
			ga, err := e.src.RoleAssignments(ctx, projectID, models.PrincipalGroup, groups)
			if err != nil {
				return nil, fmt.Errorf("loading group role assignments: %w", err)
			}
			assignments = append(assignments, ga...)
		}
	}

	now := e.now()
	sets := make([]RuleSet, 0, len(assignments))
	for _, a := range assignments {
		if !a.ActiveAt(now) {
			continue
		}
		rs, err := e.rulesFor(ctx, projectID, a.RoleSlug)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) || apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindValidation) {
				log.Warn().Err(err).Str("project_id", projectID).Str("role", a.RoleSlug).
					Msg("skipping unusable role assignment")
				continue
			}
			return nil, err
		}
		if !slices.Contains(res.Roles, a.RoleSlug) {
			res.Roles = append(res.Roles, a.RoleSlug)
		}
		sets = append(sets, rs)
	}
	res.Rules = Merge(sets...)
	return res, nil
}

func (e *Engine) rulesFor(ctx context.Context, projectID, slug string) (RuleSet, error) {
	if rs, ok := BuiltinRules(slug); ok {
		return rs, nil
	}
	role, err := e.src.GetCustomRole(ctx, projectID, slug)
	if err != nil {
		return nil, err
	}
	return DecodeRules(role.Rules)
}

// Check returns a Forbidden error unless actor may perform action on subject.
// Resolution failures also deny.
func (e *Engine) Check(ctx context.Context, projectID string, actor models.Actor, action Action, subject Subject, attrs Attributes) error {
	res, err := e.Resolve(ctx, projectID, actor)
	if err != nil {
		metrics.PermissionDenials.WithLabelValues(string(subject)).Inc()
		return apperr.Internal(err, "resolving permissions")
	}
	return res.Check(action, subject, attrs)
}

// Check is the Resolved equivalent of Engine.Check.
func (r *Resolved) Check(action Action, subject Subject, attrs Attributes) error {
	if r.Rules.Can(action, subject, attrs) {
		return nil
	}
	metrics.PermissionDenials.WithLabelValues(string(subject)).Inc()
	log.Debug().Str("actor_id", r.Actor.ID).Str("action", string(action)).Str("subject", string(subject)).
		Str("environment", attrs.Environment).Str("secret_path", attrs.SecretPath).Msg("permission denied")
	return apperr.Forbidden("PERMISSION_DENIED",
		fmt.Sprintf("not allowed to %s %s", action, subject))
}
