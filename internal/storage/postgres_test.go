package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretflow/pkg/models"
)

// openTestBackend returns a migrated PostgresBackend in a throwaway schema.
// Tests are skipped unless TEST_DATABASE_URL is set.
func openTestBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("sf_test_%d", time.Now().UnixNano())

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(admin.Close)
	_, err = admin.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	require.NoError(t, RunMigrations(u.String()))
	b, err := NewPostgresBackend(ctx, u.String())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestPostgresSecretRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	s := newSecret("DB_PASS")
	v := &models.SecretVersion{
		ID: models.NewID(), SecretID: s.ID, Version: 1, Key: "DB_PASS", Value: []byte("ct"),
		TagIDs: []string{"a", "b"}, Metadata: []models.MetadataEntry{{Key: "owner", Value: "db"}},
		FolderPath: "/", ActorType: models.ActorUser, ActorID: "u1", CreatedAt: time.Now().UTC(),
	}
	s.Version, s.CurrentVersionID = 1, v.ID

	require.NoError(t, Write(ctx, b, func(tx Tx) error {
		if err := tx.InsertSecret(ctx, s); err != nil {
			return err
		}
		return tx.InsertSecretVersion(ctx, v)
	}))

	require.NoError(t, Read(ctx, b, func(tx Tx) error {
		got, err := tx.FindSecret(ctx, "p1", "dev", "/", "DB_PASS")
		require.NoError(t, err)
		assert.Equal(t, v.ID, got.CurrentVersionID)
		gv, err := tx.GetSecretVersion(ctx, got.CurrentVersionID)
		require.NoError(t, err)
		assert.Equal(t, []byte("ct"), gv.Value)
		assert.Equal(t, []string{"a", "b"}, gv.TagIDs)
		assert.Equal(t, "db", gv.Metadata[0].Value)
		return nil
	}))

	err := Write(ctx, b, func(tx Tx) error { return tx.InsertSecret(ctx, newSecret("DB_PASS")) })
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresRowLockSerializesWriters(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	s := newSecret("COUNTER")
	require.NoError(t, Write(ctx, b, func(tx Tx) error { return tx.InsertSecret(ctx, s) }))

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Write(ctx, b, func(tx Tx) error {
				cur, err := tx.GetSecretForUpdate(ctx, s.ID)
				if err != nil {
					return err
				}
				next, err := tx.MaxSecretVersion(ctx, cur.ID)
				if err != nil {
					return err
				}
				v := &models.SecretVersion{
					ID: models.NewID(), SecretID: cur.ID, Version: next + 1, Key: cur.Key, Value: []byte("v"),
					ActorType: models.ActorUser, ActorID: "u", CreatedAt: time.Now().UTC(),
				}
				if err := tx.InsertSecretVersion(ctx, v); err != nil {
					return err
				}
				cur.Version, cur.CurrentVersionID = v.Version, v.ID
				return tx.UpdateSecret(ctx, cur)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, Read(ctx, b, func(tx Tx) error {
		versions, total, err := tx.ListSecretVersions(ctx, s.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, writers, total)
		for i, v := range versions {
			assert.Equal(t, i+1, v.Version)
		}
		return nil
	}))
}

func TestPostgresApprovalRequestCommitsKeepCiphertext(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()
	pol := &models.ApprovalPolicy{
		ID: models.NewID(), ProjectID: "p1", Name: "prod", Environment: "prod", SecretPath: "/**",
		Approvers: []models.Approver{{Type: models.PrincipalUser, ID: "u2"}}, RequiredApprovals: 1,
		EnforcementLevel: models.EnforcementHard, CreatedAt: now, UpdatedAt: now,
	}
	req := &models.ApprovalRequest{
		ID: models.NewID(), PolicyID: pol.ID, ProjectID: "p1", Environment: "prod", FolderPath: "/",
		Status: models.RequestOpen, CommitterID: "u1", CreatedAt: now, UpdatedAt: now,
		Commits: []models.Commit{{Op: models.CommitCreate, Key: "K", Value: []byte("ct"), HasValue: true}},
	}
	require.NoError(t, Write(ctx, b, func(tx Tx) error {
		if err := tx.InsertApprovalPolicy(ctx, pol); err != nil {
			return err
		}
		return tx.InsertApprovalRequest(ctx, req)
	}))
	require.NoError(t, Write(ctx, b, func(tx Tx) error {
		got, err := tx.GetApprovalRequestForUpdate(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("ct"), got.Commits[0].Value)
		got.Reviews = append(got.Reviews, models.Review{ReviewerID: "u2", Status: models.ReviewApproved})
		got.Status = models.RequestApproved
		return tx.UpdateApprovalRequest(ctx, got)
	}))
	require.NoError(t, Read(ctx, b, func(tx Tx) error {
		list, err := tx.ListApprovalRequests(ctx, RequestFilter{
			ProjectID: "p1", Statuses: []models.RequestStatus{models.RequestApproved},
		})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Reviews, 1)
		return nil
	}))
}

func TestMapErrMarksStaleSnapshots(t *testing.T) {
	for _, code := range []string{"23505", "40001", "40P01"} {
		err := mapErr(&pgconn.PgError{Code: code, Message: "boom"})
		assert.ErrorIs(t, err, ErrConflict, code)
		assert.ErrorIs(t, err, errStale, code)
	}
	assert.NotErrorIs(t, mapErr(&pgconn.PgError{Code: "23503"}), errStale)
	assert.ErrorIs(t, mapErr(pgx.ErrNoRows), ErrNotFound)
}

func TestPostgresConcurrentSnapshotsGetDistinctSequences(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.InTx(ctx, TxOptions{Isolation: RepeatableRead}, func(tx Tx) error {
				if err := tx.LockEnvironment(ctx, "p1", "dev"); err != nil {
					return err
				}
				seq, err := tx.MaxSnapshotSequence(ctx, "p1", "dev")
				if err != nil {
					return err
				}
				return tx.InsertSnapshot(ctx, &models.Snapshot{
					ID: models.NewID(), ProjectID: "p1", Environment: "dev", Sequence: seq + 1, CreatedAt: time.Now().UTC(),
				}, nil, nil)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, Read(ctx, b, func(tx Tx) error {
		n, err := tx.CountSnapshots(ctx, "p1", "dev")
		require.NoError(t, err)
		assert.Equal(t, writers, n)
		seq, err := tx.MaxSnapshotSequence(ctx, "p1", "dev")
		require.NoError(t, err)
		assert.Equal(t, writers, seq)
		return nil
	}))
}
