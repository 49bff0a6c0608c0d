package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

func user(id string) models.Actor { return models.Actor{Type: models.ActorUser, ID: id} }

var (
	alice = user("alice") // admin, usually the committer
	bob   = user("bob")
	carol = user("carol")
	dave  = user("dave") // member of leads
	erin  = user("erin") // member of leads
	mal   = user("mal")  // member, never an approver
)

type fixture struct {
	t   *testing.T
	b   *storage.MemoryBackend
	vs  *versionstore.Store
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{t: t, b: storage.NewMemoryBackend(), vs: versionstore.New()}
	pool := worker.NewInline()
	perms := permission.NewEngine(storage.NewPermissionSource(f.b))
	f.svc = NewService(f.b, perms, f.vs, audit.NewLogger(f.b, pool), nil, nil)

	roles := map[string]string{
		"alice": permission.RoleAdmin, "bob": permission.RoleMember, "carol": permission.RoleMember,
		"dave": permission.RoleMember, "erin": permission.RoleMember, "mal": permission.RoleMember,
	}
	require.NoError(t, storage.Write(ctx, f.b, func(tx storage.Tx) error {
		for u, role := range roles {
			if err := tx.InsertRoleAssignment(ctx, &models.RoleAssignment{
				ID: models.NewID(), ProjectID: "p1", PrincipalType: models.PrincipalUser, PrincipalID: u, RoleSlug: role,
			}); err != nil {
				return err
			}
		}
		for _, u := range []string{"dave", "erin"} {
			if err := tx.AddGroupMember(ctx, models.GroupMember{GroupID: "leads", UserID: u}); err != nil {
				return err
			}
		}
		_, err := f.vs.CreateFolder(ctx, tx, "p1", "prod", "/", "app")
		return err
	}))
	return f
}

func (f *fixture) policy(in PolicyInput) *models.ApprovalPolicy {
	f.t.Helper()
	if in.Name == "" {
		in.Name = "prod guard"
	}
	if in.Environment == "" {
		in.Environment = "prod"
	}
	if in.SecretPath == "" {
		in.SecretPath = "/app/*"
	}
	p, err := f.svc.CreatePolicy(context.Background(), alice, "p1", in)
	require.NoError(f.t, err)
	return p
}

func approvers(ids ...string) []models.Approver {
	out := make([]models.Approver, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Approver{Type: models.PrincipalUser, ID: id})
	}
	return out
}

// put writes key directly and returns the secret's version.
func (f *fixture) put(key, value string) int {
	f.t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(f.t, storage.Write(ctx, f.b, func(tx storage.Tx) error {
		ref := models.SecretRef{ProjectID: "p1", Environment: "prod", Path: "/app", Key: key}
		sec, _, err := f.vs.Find(ctx, tx, ref)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			sec, _, err = f.vs.CreateSecret(ctx, tx, ref, "", versionstore.Content{Value: []byte(value)}, alice)
		case err == nil:
			sec, _, err = f.vs.WriteSecret(ctx, tx, sec.ID, versionstore.Patch{Value: []byte(value)}, alice)
		}
		if err != nil {
			return err
		}
		n = sec.Version
		return nil
	}))
	return n
}

// current returns the live value, version and last writer of key.
func (f *fixture) current(key string) (string, int, string) {
	f.t.Helper()
	ctx := context.Background()
	var (
		value, writer string
		n             int
	)
	require.NoError(f.t, storage.Read(ctx, f.b, func(tx storage.Tx) error {
		sec, v, err := f.vs.Find(ctx, tx, models.SecretRef{ProjectID: "p1", Environment: "prod", Path: "/app", Key: key})
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, n, writer = string(v.Value), sec.Version, v.ActorID
		return nil
	}))
	return value, n, writer
}

func (f *fixture) submit(p *models.ApprovalPolicy, commits ...models.Commit) *models.ApprovalRequest {
	f.t.Helper()
	req, err := f.svc.Submit(context.Background(), alice, p, "/app", commits)
	require.NoError(f.t, err)
	return req
}

func update(key, value string) models.Commit {
	return models.Commit{Op: models.CommitUpdate, Key: key, Value: []byte(value), HasValue: true}
}

func TestMatchPolicy(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	broad := &models.ApprovalPolicy{ID: "b", Environment: "prod", SecretPath: "/**", CreatedAt: t0}
	narrow := &models.ApprovalPolicy{ID: "n", Environment: "prod", SecretPath: "/app/*", CreatedAt: t0.Add(time.Hour)}
	twin := &models.ApprovalPolicy{ID: "a", Environment: "prod", SecretPath: "/app/**", CreatedAt: t0.Add(time.Hour)}
	older := &models.ApprovalPolicy{ID: "z", Environment: "prod", SecretPath: "/app/?*", CreatedAt: t0}
	staging := &models.ApprovalPolicy{ID: "s", Environment: "staging", SecretPath: "/app/*", CreatedAt: t0}
	deleted := &models.ApprovalPolicy{ID: "d", Environment: "prod", SecretPath: "/app/DB_PASS", CreatedAt: t0, DeletedAt: &t0}

	all := []*models.ApprovalPolicy{broad, narrow, staging, deleted}
	assert.Equal(t, narrow, MatchPolicy(all, "prod", "/app", "DB_PASS"))
	assert.Equal(t, broad, MatchPolicy(all, "prod", "/other", "X"))
	assert.Equal(t, staging, MatchPolicy(all, "staging", "/app", "DB_PASS"))
	assert.Nil(t, MatchPolicy(all, "dev", "/app", "DB_PASS"))

	// equal literal prefixes: earliest created, then lowest id
	assert.Equal(t, older, MatchPolicy([]*models.ApprovalPolicy{narrow, older}, "prod", "/app", "K"))
	assert.Equal(t, twin, MatchPolicy([]*models.ApprovalPolicy{narrow, twin}, "prod", "/app", "K"))
}

func TestCountApprovals(t *testing.T) {
	leads := models.Approver{Type: models.PrincipalGroup, ID: "leads"}
	groups := map[string][]string{"dave": {"leads"}, "erin": {"leads"}, "bob": {"leads"}}

	entries := []models.Approver{leads, {Type: models.PrincipalUser, ID: "bob"}}
	assert.Equal(t, 1, CountApprovals(entries, []string{"dave", "erin"}, groups), "a group counts once")
	assert.Equal(t, 2, CountApprovals(entries, []string{"dave", "bob"}, groups))
	// bob could fill either entry; the matching gives the group to dave
	assert.Equal(t, 2, CountApprovals(entries, []string{"bob", "dave"}, groups))
	assert.Equal(t, 0, CountApprovals(entries, []string{"mal"}, groups))
}

func TestPolicyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]PolicyInput{
		"no approvers":      {Name: "x", Environment: "prod", RequiredApprovals: 1},
		"too many required": {Name: "x", Environment: "prod", Approvers: approvers("bob"), RequiredApprovals: 2},
		"zero required":     {Name: "x", Environment: "prod", Approvers: approvers("bob")},
		"bad glob":          {Name: "x", Environment: "prod", SecretPath: "/app/[", Approvers: approvers("bob"), RequiredApprovals: 1},
		"relative path":     {Name: "x", Environment: "prod", SecretPath: "app/*", Approvers: approvers("bob"), RequiredApprovals: 1},
		"no environment":    {Name: "x", Approvers: approvers("bob"), RequiredApprovals: 1},
		"bad enforcement":   {Name: "x", Environment: "prod", Approvers: approvers("bob"), RequiredApprovals: 1, EnforcementLevel: "maybe"},
		"duplicate":         {Name: "x", Environment: "prod", Approvers: approvers("bob", "bob"), RequiredApprovals: 1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreatePolicy(ctx, alice, "p1", in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}

	_, err := f.svc.CreatePolicy(ctx, mal, "p1", PolicyInput{
		Name: "x", Environment: "prod", Approvers: approvers("bob"), RequiredApprovals: 1,
	})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob", "carol"), RequiredApprovals: 2})
	f.put("DB_PASS", "v1")

	matched, err := f.svc.Match(ctx, "p1", "prod", "/app", "DB_PASS")
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, p.ID, matched.ID)

	req := f.submit(p, update("DB_PASS", "v2"))
	assert.Equal(t, models.RequestOpen, req.Status)
	assert.Equal(t, 1, req.Commits[0].BaseVersion)

	req, err = f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestOpen, req.Status)

	// re-approving does not count twice
	req, err = f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "still fine")
	require.NoError(t, err)
	assert.Equal(t, models.RequestOpen, req.Status)
	assert.Len(t, req.Reviews, 1)

	req, err = f.svc.Review(ctx, carol, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, req.Status)
	assert.Equal(t, "carol", req.StatusChangedBy)

	value, n, _ := f.current("DB_PASS")
	assert.Equal(t, "v1", value, "nothing lands before merge")
	assert.Equal(t, 1, n)

	req, err = f.svc.Merge(ctx, carol, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestMerged, req.Status)
	assert.Equal(t, "carol", req.MergedBy)
	require.NotNil(t, req.MergedAt)

	value, n, writer := f.current("DB_PASS")
	assert.Equal(t, "v2", value)
	assert.Equal(t, 2, n)
	assert.Equal(t, "alice", writer, "merged writes are attributed to the committer")

	_, err = f.svc.Merge(ctx, carol, req.ID, "")
	require.Error(t, err)
	assert.Equal(t, "REQUEST_ALREADY_MERGED", apperr.CodeOf(err))
	_, n, _ = f.current("DB_PASS")
	assert.Equal(t, 2, n, "a second merge writes nothing")

	entries, err := f.svc.audit.Query(ctx, storage.AuditFilter{ProjectID: "p1", Type: audit.TypeRequestMerged})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMergeRequiresApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob", "carol"), RequiredApprovals: 2})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	_, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	_, err = f.svc.Merge(ctx, alice, req.ID, "")
	assert.Equal(t, "NOT_ENOUGH_APPROVALS", apperr.CodeOf(err))
	_, n, _ := f.current("DB_PASS")
	assert.Equal(t, 1, n)
}

func TestRejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob", "carol"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	req, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	require.Equal(t, models.RequestApproved, req.Status)

	req, err = f.svc.Review(ctx, carol, req.ID, models.ReviewRejected, "no")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, req.Status)

	_, err = f.svc.Review(ctx, carol, req.ID, models.ReviewApproved, "changed my mind")
	assert.Equal(t, "REQUEST_CLOSED", apperr.CodeOf(err))
	_, err = f.svc.Merge(ctx, alice, req.ID, "")
	assert.Equal(t, "REQUEST_CLOSED", apperr.CodeOf(err))
	_, n, _ := f.current("DB_PASS")
	assert.Equal(t, 1, n)
}

func TestGroupApproverCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{
		Approvers:         []models.Approver{{Type: models.PrincipalGroup, ID: "leads"}, {Type: models.PrincipalUser, ID: "bob"}},
		RequiredApprovals: 2,
	})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	for _, a := range []models.Actor{dave, erin} {
		var err error
		req, err = f.svc.Review(ctx, a, req.ID, models.ReviewApproved, "")
		require.NoError(t, err)
	}
	assert.Equal(t, models.RequestOpen, req.Status)

	req, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, req.Status)
}

func TestReviewerEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("alice", "bob"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	_, err := f.svc.Review(ctx, mal, req.ID, models.ReviewApproved, "")
	assert.Equal(t, "NOT_AN_APPROVER", apperr.CodeOf(err))
	_, err = f.svc.Review(ctx, alice, req.ID, models.ReviewApproved, "")
	assert.Equal(t, "SELF_APPROVAL", apperr.CodeOf(err))
	_, err = f.svc.Get(ctx, mal, req.ID)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	got, err := f.svc.Get(ctx, bob, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestOpen, got.Status)
}

func TestSelfApprovalAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("alice"), RequiredApprovals: 1, AllowSelfApproval: true})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	req, err := f.svc.Review(ctx, alice, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, req.Status)
}

func TestMergeConflictKeepsRequestApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")
	f.put("API_KEY", "k1")
	req := f.submit(p, update("API_KEY", "k2"), update("DB_PASS", "v2"))
	_, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)

	f.put("DB_PASS", "direct")

	_, err = f.svc.Merge(ctx, bob, req.ID, "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, "STALE_BASE_VERSION", apperr.CodeOf(err))

	value, n, _ := f.current("API_KEY")
	assert.Equal(t, "k1", value, "no partial merge")
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, bob, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, got.Status)
	assert.NotEmpty(t, got.MergeError)
}

func TestSoftEnforcementBypass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{
		Approvers:         approvers("carol"),
		Bypassers:         approvers("bob"),
		RequiredApprovals: 1,
		EnforcementLevel:  models.EnforcementSoft,
	})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	_, err := f.svc.Merge(ctx, alice, req.ID, "urgent")
	assert.Equal(t, "NOT_ENOUGH_APPROVALS", apperr.CodeOf(err), "admins are not bypassers by role")
	_, err = f.svc.Merge(ctx, bob, req.ID, "")
	assert.Equal(t, "PERMISSION_DENIED", apperr.CodeOf(err), "bob is neither committer nor approver")

	p2 := f.policy(PolicyInput{
		Name: "soft", Environment: "prod", SecretPath: "/app/API_*",
		Approvers: approvers("carol"), Bypassers: approvers("alice"), RequiredApprovals: 1,
		EnforcementLevel: models.EnforcementSoft,
	})
	f.put("API_KEY", "k1")
	req2 := f.submit(p2, update("API_KEY", "k2"))

	_, err = f.svc.Merge(ctx, alice, req2.ID, "  ")
	assert.Equal(t, "BYPASS_REASON_REQUIRED", apperr.CodeOf(err))

	merged, err := f.svc.Merge(ctx, alice, req2.ID, "incident 42")
	require.NoError(t, err)
	assert.Equal(t, models.RequestMerged, merged.Status)
	assert.Equal(t, "incident 42", merged.BypassReason)
	value, _, _ := f.current("API_KEY")
	assert.Equal(t, "k2", value)

	entries, err := f.svc.audit.Query(ctx, storage.AuditFilter{ProjectID: "p1", Type: audit.TypeRequestBypassed})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeletedPolicyBlocksRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	require.NoError(t, f.svc.DeletePolicy(ctx, alice, p.ID))
	_, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	assert.Equal(t, "POLICY_DELETED", apperr.CodeOf(err))
	_, err = f.svc.Merge(ctx, alice, req.ID, "")
	assert.Equal(t, "POLICY_DELETED", apperr.CodeOf(err))

	matched, err := f.svc.Match(ctx, "p1", "prod", "/app", "DB_PASS")
	require.NoError(t, err)
	assert.Nil(t, matched)
	_, err = f.svc.GetPolicy(ctx, alice, p.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")

	_, err := f.svc.Submit(ctx, alice, p, "/app", []models.Commit{{Op: models.CommitCreate, Key: "DB_PASS"}})
	assert.Equal(t, "SECRET_EXISTS", apperr.CodeOf(err))
	_, err = f.svc.Submit(ctx, alice, p, "/app", []models.Commit{update("MISSING", "x")})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.svc.Submit(ctx, alice, p, "/app", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	f.submit(p, update("DB_PASS", "v2"))
	_, err = f.svc.Submit(ctx, alice, p, "/app", []models.Commit{{Op: models.CommitDelete, Key: "DB_PASS"}})
	assert.Equal(t, "REQUEST_OVERLAP", apperr.CodeOf(err))
}

func TestCreateAndDeleteCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob"), RequiredApprovals: 1})
	f.put("OLD", "x")
	comment := "new key"
	req := f.submit(p,
		models.Commit{Op: models.CommitCreate, Key: "NEW", Value: []byte("n1"), HasValue: true, Comment: &comment},
		models.Commit{Op: models.CommitDelete, Key: "OLD"},
	)
	_, err := f.svc.Review(ctx, bob, req.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	_, err = f.svc.Merge(ctx, alice, req.ID, "")
	require.NoError(t, err)

	value, n, writer := f.current("NEW")
	assert.Equal(t, "n1", value)
	assert.Equal(t, 1, n)
	assert.Equal(t, "alice", writer)
	_, n, _ = f.current("OLD")
	assert.Zero(t, n)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(PolicyInput{Approvers: approvers("bob"), RequiredApprovals: 1})
	f.put("DB_PASS", "v1")
	req := f.submit(p, update("DB_PASS", "v2"))

	_, err := f.svc.Close(ctx, bob, req.ID)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	closed, err := f.svc.Close(ctx, alice, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestClosed, closed.Status)

	_, err = f.svc.Close(ctx, alice, req.ID)
	assert.Equal(t, "REQUEST_CLOSED", apperr.CodeOf(err))

	// the key is free for a new request
	f.submit(p, update("DB_PASS", "v3"))

	open, err := f.svc.List(ctx, bob, storage.RequestFilter{
		ProjectID: "p1", Environment: "prod", Statuses: []models.RequestStatus{models.RequestOpen},
	})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestGated(t *testing.T) {
	assert.True(t, Gated(alice, models.SecretTypeShared))
	assert.False(t, Gated(alice, models.SecretTypePersonal))
	assert.False(t, Gated(models.Actor{Type: models.ActorIdentity, ID: "ci"}, models.SecretTypeShared))
	assert.False(t, Gated(models.Actor{Type: models.ActorService, ID: "st"}, models.SecretTypeShared))
}
