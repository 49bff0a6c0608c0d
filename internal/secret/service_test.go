package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretflow/internal/apperr"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/crypto"
	"github.com/org/secretflow/internal/diff"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

var (
	alice  = models.Actor{Type: models.ActorUser, ID: "alice"}
	bob    = models.Actor{Type: models.ActorUser, ID: "bob"}
	carol  = models.Actor{Type: models.ActorUser, ID: "carol"}
	victor = models.Actor{Type: models.ActorUser, ID: "victor"}
	ci     = models.Actor{Type: models.ActorIdentity, ID: "ci"}
)

type fixture struct {
	t         *testing.T
	b         *storage.MemoryBackend
	svc       *Service
	approvals *approval.Service
	snaps     *snapshot.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root, err := crypto.GenerateRootKey()
	require.NoError(t, err)
	kr, err := crypto.NewKeyring(root)
	require.NoError(t, err)

	b := storage.NewMemoryBackend()
	pool := worker.NewInline()
	perms := permission.NewEngine(storage.NewPermissionSource(b))
	vs := versionstore.New()
	auditor := audit.NewLogger(b, pool)
	snaps := snapshot.NewService(b, perms, kr, vs, auditor, pool, snapshot.Config{})
	approvals := approval.NewService(b, perms, vs, auditor, nil, snaps)

	f := &fixture{t: t, b: b, approvals: approvals, snaps: snaps}
	f.svc = NewService(b, perms, kr, vs, approvals, snaps, auditor)

	roles := map[string]string{
		"alice": permission.RoleAdmin, "bob": permission.RoleMember, "carol": permission.RoleMember,
		"victor": permission.RoleViewer, "ci": permission.RoleMember,
	}
	require.NoError(t, storage.Write(ctx, b, func(tx storage.Tx) error {
		for id, role := range roles {
			if err := tx.InsertRoleAssignment(ctx, &models.RoleAssignment{
				ID: models.NewID(), ProjectID: "p1", PrincipalType: models.PrincipalUser, PrincipalID: id, RoleSlug: role,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) create(actor models.Actor, path, key, value string) *WriteResult {
	f.t.Helper()
	res, err := f.svc.Create(context.Background(), actor, CreateInput{
		ProjectID: "p1", Environment: "prod", Path: path, Key: key, Value: value,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) update(actor models.Actor, path, key, value string) *WriteResult {
	f.t.Helper()
	res, err := f.svc.Update(context.Background(), actor, UpdateInput{
		ProjectID: "p1", Environment: "prod", Path: path, Key: key, Value: &value,
	})
	require.NoError(f.t, err)
	return res
}

func ref(path, key string) models.SecretRef {
	return models.SecretRef{ProjectID: "p1", Environment: "prod", Path: path, Key: key}
}

func TestVersionHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(alice, "/", "API_KEY", "a")
	require.NotNil(t, res.Secret)
	assert.Nil(t, res.Request)
	assert.Equal(t, 1, res.Secret.Version)

	f.update(alice, "/", "API_KEY", "b")
	res = f.update(alice, "/", "API_KEY", "c")
	assert.Equal(t, 3, res.Secret.Version)

	versions, total, err := f.svc.ListVersions(ctx, alice, res.Secret.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, versions, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, i+1, versions[i].Version)
		assert.Equal(t, want, versions[i].Value)
		assert.Equal(t, "alice", versions[i].ActorID)
	}

	page, total, err := f.svc.ListVersions(ctx, alice, res.Secret.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Value)

	v, err := f.svc.ReadVersion(ctx, alice, res.Secret.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", v.Value)
	_, err = f.svc.ReadVersion(ctx, alice, res.Secret.ID, 9)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	restored, err := f.svc.Restore(ctx, alice, res.Secret.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Secret.Version)
	assert.Equal(t, "a", restored.Secret.Value)
}

func TestViewerCannotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(alice, "/", "API_KEY", "a")

	value := "evil"
	_, err := f.svc.Update(ctx, victor, UpdateInput{ProjectID: "p1", Environment: "prod", Path: "/", Key: "API_KEY", Value: &value})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.svc.Create(ctx, victor, CreateInput{ProjectID: "p1", Environment: "prod", Key: "NEW", Value: "x"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.svc.Delete(ctx, victor, ref("/", "API_KEY"))
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, total, err := f.svc.ListVersions(ctx, alice, created.Secret.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "no version was created")

	got, err := f.svc.Get(ctx, victor, ref("/", "API_KEY"))
	require.NoError(t, err)
	assert.Equal(t, "a", got.Value)
}

func TestSnapshotRollbackThroughFacade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(alice, "/", "A", "1")
	f.create(alice, "/", "B", "2")
	snap, err := f.snaps.Create(ctx, alice, "p1", "prod")
	require.NoError(t, err)

	f.update(alice, "/", "A", "9")
	_, err = f.svc.Delete(ctx, alice, ref("/", "B"))
	require.NoError(t, err)
	f.create(alice, "/", "C", "3")

	cmp, err := f.snaps.Diff(ctx, alice, snap.ID, "/")
	require.NoError(t, err)
	counts := diff.Count(cmp.Secrets)
	assert.Equal(t, 1, counts[diff.Modified])
	assert.Equal(t, 1, counts[diff.Deleted])
	assert.Equal(t, 1, counts[diff.Created])

	_, err = f.snaps.Rollback(ctx, alice, snap.ID, "/")
	require.NoError(t, err)

	list, err := f.svc.List(ctx, alice, "p1", "prod", "/", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Key)
	assert.Equal(t, "1", list[0].Value)
	assert.Equal(t, 3, list[0].Version)
	assert.Equal(t, "B", list[1].Key)
	assert.Equal(t, "2", list[1].Value)
}

func TestProtectedPathOpensRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateFolder(ctx, alice, "p1", "prod", "/", "prod")
	require.NoError(t, err)
	f.create(alice, "/prod", "DB_PASS", "old")

	_, err = f.approvals.CreatePolicy(ctx, alice, "p1", approval.PolicyInput{
		Name: "prod", Environment: "prod", SecretPath: "/prod/*",
		Approvers: []models.Approver{{Type: models.PrincipalUser, ID: "bob"}, {Type: models.PrincipalUser, ID: "carol"}},
		RequiredApprovals: 2,
	})
	require.NoError(t, err)

	res := f.update(alice, "/prod", "DB_PASS", "new")
	require.NotNil(t, res.Request)
	assert.Nil(t, res.Secret)
	assert.Equal(t, models.RequestOpen, res.Request.Status)

	cur, err := f.svc.Get(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)
	assert.Equal(t, "old", cur.Value)
	assert.Equal(t, 1, cur.Version)

	for _, a := range []models.Actor{bob, carol} {
		_, err = f.approvals.Review(ctx, a, res.Request.ID, models.ReviewApproved, "")
		require.NoError(t, err)
	}
	_, err = f.approvals.Merge(ctx, bob, res.Request.ID, "")
	require.NoError(t, err)

	cur, err = f.svc.Get(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)
	assert.Equal(t, "new", cur.Value)
	assert.Equal(t, 2, cur.Version)

	// machine identities and unprotected paths write directly
	direct := f.update(ci, "/prod", "DB_PASS", "rotated")
	require.NotNil(t, direct.Secret)
	assert.Equal(t, 3, direct.Secret.Version)
	unprotected := f.create(alice, "/", "FREE", "x")
	assert.NotNil(t, unprotected.Secret)
}

func TestListFiltersByCondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(alice, "/", "PUBLIC_URL", "u")
	f.create(alice, "/", "DB_PASS", "p")

	rules, err := permission.EncodeRules(permission.RuleSet{
		permission.Can([]permission.Action{permission.ActionRead}, permission.SubjectSecrets,
			permission.Glob(permission.FieldSecretName, "PUBLIC_*")),
	})
	require.NoError(t, err)
	require.NoError(t, storage.Write(ctx, f.b, func(tx storage.Tx) error {
		if err := tx.UpsertCustomRole(ctx, &models.CustomRole{ID: models.NewID(), ProjectID: "p1", Slug: "public-reader", Rules: rules}); err != nil {
			return err
		}
		return tx.InsertRoleAssignment(ctx, &models.RoleAssignment{
			ID: models.NewID(), ProjectID: "p1", PrincipalType: models.PrincipalUser, PrincipalID: "pat", RoleSlug: "public-reader",
		})
	}))
	pat := models.Actor{Type: models.ActorUser, ID: "pat"}

	list, err := f.svc.List(ctx, pat, "p1", "prod", "/", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "PUBLIC_URL", list[0].Key)

	_, err = f.svc.Get(ctx, pat, ref("/", "DB_PASS"))
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.List(ctx, models.Actor{Type: models.ActorUser, ID: "nobody"}, "p1", "prod", "/", false)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestExportDotEnv(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(alice, "/", "B_KEY", "two words")
	f.create(alice, "/", "A_KEY", "1")

	out, err := f.svc.ExportDotEnv(ctx, alice, "p1", "prod", "/")
	require.NoError(t, err)
	assert.Equal(t, "A_KEY=1\nB_KEY=\"two words\"\n", out)
}

func TestFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateFolder(ctx, alice, "p1", "prod", "/", "app")
	require.NoError(t, err)
	_, err = f.svc.CreateFolder(ctx, alice, "p1", "prod", "/app", "db")
	require.NoError(t, err)
	f.create(alice, "/app/db", "DSN", "x")

	folders, err := f.svc.ListFolders(ctx, victor, "p1", "prod", "/")
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "/app", folders[0].Path)
	assert.Equal(t, "/app/db", folders[1].Path)

	err = f.svc.DeleteFolder(ctx, alice, "p1", "prod", "/app", false)
	assert.Equal(t, "FOLDER_NOT_EMPTY", apperr.CodeOf(err))
	require.NoError(t, f.svc.DeleteFolder(ctx, alice, "p1", "prod", "/app", true))

	_, err = f.svc.Get(ctx, alice, ref("/app/db", "DSN"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	err = f.svc.DeleteFolder(ctx, alice, "p1", "prod", "/app", true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.svc.CreateFolder(ctx, victor, "p1", "prod", "/", "x")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func grantCustomRole(t *testing.T, f *fixture, user, slug string, rules permission.RuleSet) models.Actor {
	t.Helper()
	ctx := context.Background()
	encoded, err := permission.EncodeRules(rules)
	require.NoError(t, err)
	require.NoError(t, storage.Write(ctx, f.b, func(tx storage.Tx) error {
		if err := tx.UpsertCustomRole(ctx, &models.CustomRole{ID: models.NewID(), ProjectID: "p1", Slug: slug, Rules: encoded}); err != nil {
			return err
		}
		return tx.InsertRoleAssignment(ctx, &models.RoleAssignment{
			ID: models.NewID(), ProjectID: "p1", PrincipalType: models.PrincipalUser, PrincipalID: user, RoleSlug: slug,
		})
	}))
	return models.Actor{Type: models.ActorUser, ID: user}
}

func TestTagDenyCoversRetagAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	write := []permission.Action{permission.ActionCreate, permission.ActionEdit}
	dave := grantCustomRole(t, f, "dave", "unlocked-writer", permission.RuleSet{
		permission.Can(append([]permission.Action{permission.ActionRead}, write...), permission.SubjectSecrets),
		permission.Cannot(write, permission.SubjectSecrets, permission.In(permission.FieldSecretTags, "locked")),
	})

	res := f.create(alice, "/", "Y", "1")
	id := res.Secret.ID

	_, err := f.svc.Create(ctx, dave, CreateInput{
		ProjectID: "p1", Environment: "prod", Path: "/", Key: "Z", Value: "z", TagIDs: []string{"locked"},
	})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.Update(ctx, dave, UpdateInput{
		ProjectID: "p1", Environment: "prod", Path: "/", Key: "Y", TagIDs: []string{"locked"},
	})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	cur, err := f.svc.Get(ctx, alice, ref("/", "Y"))
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)
	assert.Empty(t, cur.TagIDs)

	// untagged edits stay allowed
	res = f.update(dave, "/", "Y", "2")
	assert.Equal(t, 2, res.Secret.Version)

	_, err = f.svc.Update(ctx, alice, UpdateInput{
		ProjectID: "p1", Environment: "prod", Path: "/", Key: "Y", TagIDs: []string{"locked"},
	})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, alice, UpdateInput{
		ProjectID: "p1", Environment: "prod", Path: "/", Key: "Y", TagIDs: []string{},
	})
	require.NoError(t, err)

	_, err = f.svc.Restore(ctx, dave, id, 3)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	restored, err := f.svc.Restore(ctx, dave, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, restored.Secret.Version)
}

func TestDescribeWithoutReadValueRedacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(alice, "/", "DB_PASS", "hunter2")

	dora := grantCustomRole(t, f, "dora", "describer", permission.RuleSet{
		permission.Can([]permission.Action{permission.ActionDescribeSecret}, permission.SubjectSecrets),
	})

	list, err := f.svc.List(ctx, dora, "p1", "prod", "/", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "DB_PASS", list[0].Key)
	assert.True(t, list[0].ValueHidden)
	assert.Empty(t, list[0].Value)

	got, err := f.svc.Get(ctx, dora, ref("/", "DB_PASS"))
	require.NoError(t, err)
	assert.True(t, got.ValueHidden)
	assert.Empty(t, got.Value)

	versions, _, err := f.svc.ListVersions(ctx, dora, res.Secret.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].ValueHidden)
	assert.Empty(t, versions[0].Value)

	out, err := f.svc.ExportDotEnv(ctx, dora, "p1", "prod", "/")
	require.NoError(t, err)
	assert.NotContains(t, out, "DB_PASS")

	// read still implies both
	got, err = f.svc.Get(ctx, victor, ref("/", "DB_PASS"))
	require.NoError(t, err)
	assert.False(t, got.ValueHidden)
	assert.Equal(t, "hunter2", got.Value)

	// a prod value deny keeps the secret listable
	rita := grantCustomRole(t, f, "rita", "no-prod-values", permission.RuleSet{
		permission.Can([]permission.Action{permission.ActionRead}, permission.SubjectSecrets),
		permission.Cannot([]permission.Action{permission.ActionReadValue}, permission.SubjectSecrets,
			permission.Eq(permission.FieldEnvironment, "prod")),
	})
	list, err = f.svc.List(ctx, rita, "p1", "prod", "/", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].ValueHidden)

	vera := grantCustomRole(t, f, "vera", "value-only", permission.RuleSet{
		permission.Can([]permission.Action{permission.ActionReadValue}, permission.SubjectSecrets),
	})
	_, err = f.svc.List(ctx, vera, "p1", "prod", "/", false)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.svc.Get(ctx, vera, ref("/", "DB_PASS"))
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestGatedRestoreRevivesDeletedSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateFolder(ctx, alice, "p1", "prod", "/", "prod")
	require.NoError(t, err)
	orig := f.create(alice, "/prod", "DB_PASS", "old")
	f.update(alice, "/prod", "DB_PASS", "new")
	_, err = f.svc.Delete(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)

	_, err = f.approvals.CreatePolicy(ctx, alice, "p1", approval.PolicyInput{
		Name: "prod", Environment: "prod", SecretPath: "/prod/*",
		Approvers: []models.Approver{{Type: models.PrincipalUser, ID: "bob"}, {Type: models.PrincipalUser, ID: "carol"}},
		RequiredApprovals: 2,
	})
	require.NoError(t, err)

	res, err := f.svc.Restore(ctx, alice, orig.Secret.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	require.Len(t, res.Request.Commits, 1)
	assert.Equal(t, models.CommitCreate, res.Request.Commits[0].Op)
	assert.Equal(t, orig.Secret.ID, res.Request.Commits[0].SecretID)
	assert.Equal(t, 2, res.Request.Commits[0].BaseVersion)

	for _, a := range []models.Actor{bob, carol} {
		_, err = f.approvals.Review(ctx, a, res.Request.ID, models.ReviewApproved, "")
		require.NoError(t, err)
	}
	_, err = f.approvals.Merge(ctx, bob, res.Request.ID, "")
	require.NoError(t, err)

	cur, err := f.svc.Get(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)
	assert.Equal(t, orig.Secret.ID, cur.ID)
	assert.Equal(t, 3, cur.Version)
	assert.Equal(t, "old", cur.Value)

	versions, total, err := f.svc.ListVersions(ctx, alice, cur.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "new", versions[1].Value)
}

func TestGatedRestoreGoesStaleWhenRevivedDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateFolder(ctx, alice, "p1", "prod", "/", "prod")
	require.NoError(t, err)
	orig := f.create(alice, "/prod", "DB_PASS", "old")
	_, err = f.svc.Delete(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)
	_, err = f.approvals.CreatePolicy(ctx, alice, "p1", approval.PolicyInput{
		Name: "prod", Environment: "prod", SecretPath: "/prod/*",
		Approvers:         []models.Approver{{Type: models.PrincipalUser, ID: "bob"}},
		RequiredApprovals: 1,
	})
	require.NoError(t, err)

	res, err := f.svc.Restore(ctx, alice, orig.Secret.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Request)

	// identities bypass the policy
	direct, err := f.svc.Restore(ctx, ci, orig.Secret.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, direct.Secret)
	assert.Equal(t, 2, direct.Secret.Version)

	_, err = f.approvals.Review(ctx, bob, res.Request.ID, models.ReviewApproved, "")
	require.NoError(t, err)
	_, err = f.approvals.Merge(ctx, bob, res.Request.ID, "")
	assert.Equal(t, "STALE_BASE_VERSION", apperr.CodeOf(err))

	cur, err := f.svc.Get(ctx, alice, ref("/prod", "DB_PASS"))
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
}
