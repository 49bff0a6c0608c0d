package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// maxTxAttempts bounds how often a snapshot-isolated transaction is re-run.
const maxTxAttempts = 5

// errStale marks driver errors caused by a snapshot taken before a
// concurrent commit: serialization failures, deadlocks and unique violations.
var errStale = errors.New("stale snapshot")

// InTx implements Backend. Repeatable read and serializable transactions
// take their snapshot before the environment lock is granted, so they are
// re-run when they lose to a concurrent commit.
func (p *PostgresBackend) InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	switch opts.Isolation {
	case RepeatableRead:
		txOpts.IsoLevel = pgx.RepeatableRead
	case Serializable:
		txOpts.IsoLevel = pgx.Serializable
	}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	if opts.Isolation == ReadCommitted {
		return p.runTx(ctx, txOpts, fn)
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = p.runTx(ctx, txOpts, fn)
		if !errors.Is(err, errStale) || attempt == maxTxAttempts {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("transaction lost to a concurrent commit, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (p *PostgresBackend) runTx(ctx context.Context, txOpts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr translates driver errors into storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %w: %s", ErrConflict, errStale, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return mapErr(err)
}

func (t *pgTx) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockEnvironment(ctx context.Context, projectID, environment string) error {
	return t.exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID+"/"+environment)
}

// --- Secrets ---

const secretCols = `id, project_id, environment, folder_path, key, type, version,
	current_version_id, created_at, updated_at, deleted_at`

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var cur *string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Environment, &s.FolderPath, &s.Key, &s.Type, &s.Version,
		&cur, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if cur != nil {
		s.CurrentVersionID = *cur
	}
	return &s, nil
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapErr(rows.Err())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) InsertSecret(ctx context.Context, s *models.Secret) error {
	return t.exec(ctx,
		`INSERT INTO secrets (`+secretCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.ProjectID, s.Environment, s.FolderPath, s.Key, s.Type, s.Version,
		nullable(s.CurrentVersionID), s.CreatedAt, s.UpdatedAt, s.DeletedAt,
	)
}

func (t *pgTx) UpdateSecret(ctx context.Context, s *models.Secret) error {
	return t.execOne(ctx,
		`UPDATE secrets SET folder_path = $2, key = $3, version = $4, current_version_id = $5,
		        updated_at = $6, deleted_at = $7
		 WHERE id = $1`,
		s.ID, s.FolderPath, s.Key, s.Version, nullable(s.CurrentVersionID), s.UpdatedAt, s.DeletedAt,
	)
}

func (t *pgTx) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	return scanSecret(t.tx.QueryRow(ctx, `SELECT `+secretCols+` FROM secrets WHERE id = $1`, id))
}

func (t *pgTx) GetSecretForUpdate(ctx context.Context, id string) (*models.Secret, error) {
	return scanSecret(t.tx.QueryRow(ctx, `SELECT `+secretCols+` FROM secrets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) FindSecret(ctx context.Context, projectID, environment, folderPath, key string) (*models.Secret, error) {
	return scanSecret(t.tx.QueryRow(ctx,
		`SELECT `+secretCols+` FROM secrets
		 WHERE project_id = $1 AND environment = $2 AND folder_path = $3 AND key = $4 AND deleted_at IS NULL`,
		projectID, environment, models.CleanPath(folderPath), key,
	))
}

func (t *pgTx) ListSecrets(ctx context.Context, f SecretFilter) ([]*models.Secret, error) {
	folder := ""
	if f.FolderPath != "" {
		folder = models.CleanPath(f.FolderPath)
	}
	prefix := folder + "/"
	if folder == "/" {
		prefix = "/"
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+secretCols+` FROM secrets
		 WHERE project_id = $1 AND environment = $2
		   AND ($3 OR deleted_at IS NULL)
		   AND ($4 = '' OR folder_path = $4 OR ($5 AND starts_with(folder_path, $6)))
		 ORDER BY folder_path, key`,
		f.ProjectID, f.Environment, f.IncludeDeleted, folder, f.Recursive, prefix,
	)
	return collect(rows, err, scanSecret)
}

// --- Secret versions ---

const versionCols = `id, secret_id, version, key, value, value_override, comment, tag_ids,
	metadata, folder_path, actor_type, actor_id, created_at`

func scanSecretVersion(row pgx.Row) (*models.SecretVersion, error) {
	var v models.SecretVersion
	var meta []byte
	err := row.Scan(&v.ID, &v.SecretID, &v.Version, &v.Key, &v.Value, &v.ValueOverride, &v.Comment,
		&v.TagIDs, &meta, &v.FolderPath, &v.ActorType, &v.ActorID, &v.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decoding version metadata: %w", err)
		}
	}
	return &v, nil
}

func (t *pgTx) InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error {
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return err
	}
	tags := v.TagIDs
	if tags == nil {
		tags = []string{}
	}
	return t.exec(ctx,
		`INSERT INTO secret_versions (`+versionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.SecretID, v.Version, v.Key, v.Value, v.ValueOverride, v.Comment, tags,
		meta, v.FolderPath, v.ActorType, v.ActorID, v.CreatedAt,
	)
}

func (t *pgTx) GetSecretVersion(ctx context.Context, id string) (*models.SecretVersion, error) {
	return scanSecretVersion(t.tx.QueryRow(ctx, `SELECT `+versionCols+` FROM secret_versions WHERE id = $1`, id))
}

func (t *pgTx) GetSecretVersionByNumber(ctx context.Context, secretID string, version int) (*models.SecretVersion, error) {
	return scanSecretVersion(t.tx.QueryRow(ctx,
		`SELECT `+versionCols+` FROM secret_versions WHERE secret_id = $1 AND version = $2`,
		secretID, version,
	))
}

func (t *pgTx) GetSecretVersions(ctx context.Context, ids []string) ([]*models.SecretVersion, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionCols+` FROM secret_versions WHERE id = ANY($1::text[])`, ids)
	found, err := collect(rows, err, scanSecretVersion)
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, found, func(v *models.SecretVersion) string { return v.ID })
}

func (t *pgTx) ListSecretVersions(ctx context.Context, secretID string, limit, offset int) ([]*models.SecretVersion, int, error) {
	var total int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM secret_versions WHERE secret_id = $1`, secretID,
	).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionCols+` FROM secret_versions WHERE secret_id = $1
		 ORDER BY version LIMIT $2 OFFSET $3`,
		secretID, limitOrAll(limit), offset,
	)
	out, err := collect(rows, err, scanSecretVersion)
	return out, total, err
}

func (t *pgTx) MaxSecretVersion(ctx context.Context, secretID string) (int, error) {
	var maxVer int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM secret_versions WHERE secret_id = $1`, secretID,
	).Scan(&maxVer)
	return maxVer, mapErr(err)
}

// --- Folders ---

const folderCols = `id, project_id, environment, parent_path, name, path, version,
	current_version_id, created_at, deleted_at`

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var f models.Folder
	var cur *string
	err := row.Scan(&f.ID, &f.ProjectID, &f.Environment, &f.ParentPath, &f.Name, &f.Path, &f.Version,
		&cur, &f.CreatedAt, &f.DeletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if cur != nil {
		f.CurrentVersionID = *cur
	}
	return &f, nil
}

func (t *pgTx) InsertFolder(ctx context.Context, f *models.Folder) error {
	return t.exec(ctx,
		`INSERT INTO secret_folders (`+folderCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.ProjectID, f.Environment, f.ParentPath, f.Name, f.Path, f.Version,
		nullable(f.CurrentVersionID), f.CreatedAt, f.DeletedAt,
	)
}

func (t *pgTx) UpdateFolder(ctx context.Context, f *models.Folder) error {
	return t.execOne(ctx,
		`UPDATE secret_folders SET parent_path = $2, name = $3, path = $4, version = $5,
		        current_version_id = $6, deleted_at = $7
		 WHERE id = $1`,
		f.ID, f.ParentPath, f.Name, f.Path, f.Version, nullable(f.CurrentVersionID), f.DeletedAt,
	)
}

func (t *pgTx) GetFolder(ctx context.Context, id string) (*models.Folder, error) {
	return scanFolder(t.tx.QueryRow(ctx, `SELECT `+folderCols+` FROM secret_folders WHERE id = $1`, id))
}

func (t *pgTx) FindFolder(ctx context.Context, projectID, environment, path string) (*models.Folder, error) {
	return scanFolder(t.tx.QueryRow(ctx,
		`SELECT `+folderCols+` FROM secret_folders
		 WHERE project_id = $1 AND environment = $2 AND path = $3 AND deleted_at IS NULL`,
		projectID, environment, models.CleanPath(path),
	))
}

func (t *pgTx) ListFolders(ctx context.Context, f FolderFilter) ([]*models.Folder, error) {
	prefix := ""
	if f.Under != "" {
		prefix = models.CleanPath(f.Under)
		if prefix != "/" {
			prefix += "/"
		}
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+folderCols+` FROM secret_folders
		 WHERE project_id = $1 AND environment = $2
		   AND ($3 OR deleted_at IS NULL)
		   AND ($4 = '' OR (starts_with(path, $4) AND path <> '/'))
		 ORDER BY path`,
		f.ProjectID, f.Environment, f.IncludeDeleted, prefix,
	)
	return collect(rows, err, scanFolder)
}

func scanFolderVersion(row pgx.Row) (*models.FolderVersion, error) {
	var v models.FolderVersion
	if err := row.Scan(&v.ID, &v.FolderID, &v.Version, &v.Name, &v.ParentPath, &v.Path, &v.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (t *pgTx) InsertFolderVersion(ctx context.Context, v *models.FolderVersion) error {
	return t.exec(ctx,
		`INSERT INTO secret_folder_versions (id, folder_id, version, name, parent_path, path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.FolderID, v.Version, v.Name, v.ParentPath, v.Path, v.CreatedAt,
	)
}

func (t *pgTx) GetFolderVersions(ctx context.Context, ids []string) ([]*models.FolderVersion, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, folder_id, version, name, parent_path, path, created_at
		 FROM secret_folder_versions WHERE id = ANY($1::text[])`, ids)
	found, err := collect(rows, err, scanFolderVersion)
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, found, func(v *models.FolderVersion) string { return v.ID })
}

func (t *pgTx) MaxFolderVersion(ctx context.Context, folderID string) (int, error) {
	var maxVer int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM secret_folder_versions WHERE folder_id = $1`, folderID,
	).Scan(&maxVer)
	return maxVer, mapErr(err)
}

// --- Snapshots ---

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var s models.Snapshot
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Environment, &s.Sequence, &s.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s *models.Snapshot, secretVersionIDs, folderVersionIDs []string) error {
	if err := t.exec(ctx,
		`INSERT INTO snapshots (id, project_id, environment, sequence, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.ProjectID, s.Environment, s.Sequence, s.CreatedAt,
	); err != nil {
		return err
	}
	if len(secretVersionIDs) > 0 {
		if err := t.exec(ctx,
			`INSERT INTO snapshot_secrets (snapshot_id, secret_version_id)
			 SELECT $1, unnest($2::text[])`,
			s.ID, secretVersionIDs,
		); err != nil {
			return fmt.Errorf("inserting snapshot secrets: %w", err)
		}
	}
	if len(folderVersionIDs) > 0 {
		if err := t.exec(ctx,
			`INSERT INTO snapshot_folders (snapshot_id, folder_version_id)
			 SELECT $1, unnest($2::text[])`,
			s.ID, folderVersionIDs,
		); err != nil {
			return fmt.Errorf("inserting snapshot folders: %w", err)
		}
	}
	return nil
}

func (t *pgTx) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	return scanSnapshot(t.tx.QueryRow(ctx,
		`SELECT id, project_id, environment, sequence, created_at FROM snapshots WHERE id = $1`, id))
}

func (t *pgTx) SnapshotItems(ctx context.Context, snapshotID string) ([]string, []string, error) {
	secrets, err := t.stringColumn(ctx,
		`SELECT secret_version_id FROM snapshot_secrets WHERE snapshot_id = $1 ORDER BY secret_version_id`, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	folders, err := t.stringColumn(ctx,
		`SELECT folder_version_id FROM snapshot_folders WHERE snapshot_id = $1 ORDER BY folder_version_id`, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	return secrets, folders, nil
}

func (t *pgTx) stringColumn(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, mapErr(err)
}

func (t *pgTx) ListSnapshots(ctx context.Context, projectID, environment string, limit, offset int) ([]*models.Snapshot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, project_id, environment, sequence, created_at FROM snapshots
		 WHERE project_id = $1 AND environment = $2
		 ORDER BY sequence DESC LIMIT $3 OFFSET $4`,
		projectID, environment, limitOrAll(limit), offset,
	)
	return collect(rows, err, scanSnapshot)
}

func (t *pgTx) CountSnapshots(ctx context.Context, projectID, environment string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE project_id = $1 AND environment = $2`,
		projectID, environment,
	).Scan(&n)
	return n, mapErr(err)
}

func (t *pgTx) MaxSnapshotSequence(ctx context.Context, projectID, environment string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM snapshots WHERE project_id = $1 AND environment = $2`,
		projectID, environment,
	).Scan(&n)
	return n, mapErr(err)
}

func (t *pgTx) DeleteSnapshotsBelow(ctx context.Context, projectID, environment string, sequence int) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM snapshots WHERE project_id = $1 AND environment = $2 AND sequence < $3`,
		projectID, environment, sequence,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Approval policies ---

const policyCols = `id, project_id, name, environment, secret_path, approvers, bypassers,
	required_approvals, enforcement_level, allow_self_approval, created_at, updated_at, deleted_at`

func scanPolicy(row pgx.Row) (*models.ApprovalPolicy, error) {
	var p models.ApprovalPolicy
	var approvers, bypassers []byte
	err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Environment, &p.SecretPath, &approvers, &bypassers,
		&p.RequiredApprovals, &p.EnforcementLevel, &p.AllowSelfApproval, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(approvers, &p.Approvers); err != nil {
		return nil, fmt.Errorf("decoding approvers: %w", err)
	}
	if err := json.Unmarshal(bypassers, &p.Bypassers); err != nil {
		return nil, fmt.Errorf("decoding bypassers: %w", err)
	}
	return &p, nil
}

func policyArgs(p *models.ApprovalPolicy) ([]any, error) {
	approvers, err := json.Marshal(nonNil(p.Approvers))
	if err != nil {
		return nil, err
	}
	bypassers, err := json.Marshal(nonNil(p.Bypassers))
	if err != nil {
		return nil, err
	}
	return []any{p.ID, p.ProjectID, p.Name, p.Environment, p.SecretPath, approvers, bypassers,
		p.RequiredApprovals, p.EnforcementLevel, p.AllowSelfApproval, p.CreatedAt, p.UpdatedAt, p.DeletedAt}, nil
}

func (t *pgTx) InsertApprovalPolicy(ctx context.Context, p *models.ApprovalPolicy) error {
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		`INSERT INTO approval_policies (`+policyCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...)
}

func (t *pgTx) UpdateApprovalPolicy(ctx context.Context, p *models.ApprovalPolicy) error {
	approvers, err := json.Marshal(nonNil(p.Approvers))
	if err != nil {
		return err
	}
	bypassers, err := json.Marshal(nonNil(p.Bypassers))
	if err != nil {
		return err
	}
	return t.execOne(ctx,
		`UPDATE approval_policies SET name = $2, environment = $3, secret_path = $4, approvers = $5,
		        bypassers = $6, required_approvals = $7, enforcement_level = $8, allow_self_approval = $9,
		        updated_at = $10, deleted_at = $11
		 WHERE id = $1`,
		p.ID, p.Name, p.Environment, p.SecretPath, approvers, bypassers, p.RequiredApprovals,
		p.EnforcementLevel, p.AllowSelfApproval, p.UpdatedAt, p.DeletedAt,
	)
}

func (t *pgTx) GetApprovalPolicy(ctx context.Context, id string) (*models.ApprovalPolicy, error) {
	return scanPolicy(t.tx.QueryRow(ctx, `SELECT `+policyCols+` FROM approval_policies WHERE id = $1`, id))
}

func (t *pgTx) ListApprovalPolicies(ctx context.Context, projectID, environment string) ([]*models.ApprovalPolicy, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+policyCols+` FROM approval_policies
		 WHERE project_id = $1 AND ($2 = '' OR environment = $2) AND deleted_at IS NULL
		 ORDER BY created_at, id`,
		projectID, environment,
	)
	return collect(rows, err, scanPolicy)
}

// --- Approval requests ---

// commitRecord is the stored form of a commit; Commit hides its ciphertext from JSON.
type commitRecord struct {
	models.Commit
	Value []byte `json:"value,omitempty"`
}

const requestCols = `id, policy_id, project_id, environment, folder_path, status, commits, reviews,
	committer_id, status_changed_by, merged_by, merged_at, bypass_reason, merge_error, created_at, updated_at`

func scanRequest(row pgx.Row) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	var commits, reviews []byte
	err := row.Scan(&r.ID, &r.PolicyID, &r.ProjectID, &r.Environment, &r.FolderPath, &r.Status, &commits, &reviews,
		&r.CommitterID, &r.StatusChangedBy, &r.MergedBy, &r.MergedAt, &r.BypassReason, &r.MergeError,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	var recs []commitRecord
	if err := json.Unmarshal(commits, &recs); err != nil {
		return nil, fmt.Errorf("decoding commits: %w", err)
	}
	r.Commits = make([]models.Commit, len(recs))
	for i, rec := range recs {
		r.Commits[i] = rec.Commit
		r.Commits[i].Value = rec.Value
	}
	if err := json.Unmarshal(reviews, &r.Reviews); err != nil {
		return nil, fmt.Errorf("decoding reviews: %w", err)
	}
	return &r, nil
}

func requestJSON(r *models.ApprovalRequest) (commits, reviews []byte, err error) {
	recs := make([]commitRecord, len(r.Commits))
	for i, c := range r.Commits {
		recs[i] = commitRecord{Commit: c, Value: c.Value}
	}
	if commits, err = json.Marshal(recs); err != nil {
		return nil, nil, err
	}
	reviews, err = json.Marshal(nonNil(r.Reviews))
	return commits, reviews, err
}

func (t *pgTx) InsertApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	commits, reviews, err := requestJSON(r)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		`INSERT INTO approval_requests (`+requestCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.PolicyID, r.ProjectID, r.Environment, r.FolderPath, r.Status, commits, reviews,
		r.CommitterID, r.StatusChangedBy, r.MergedBy, r.MergedAt, r.BypassReason, r.MergeError,
		r.CreatedAt, r.UpdatedAt,
	)
}

func (t *pgTx) UpdateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	commits, reviews, err := requestJSON(r)
	if err != nil {
		return err
	}
	return t.execOne(ctx,
		`UPDATE approval_requests SET status = $2, commits = $3, reviews = $4, status_changed_by = $5,
		        merged_by = $6, merged_at = $7, bypass_reason = $8, merge_error = $9, updated_at = $10
		 WHERE id = $1`,
		r.ID, r.Status, commits, reviews, r.StatusChangedBy, r.MergedBy, r.MergedAt,
		r.BypassReason, r.MergeError, r.UpdatedAt,
	)
}

func (t *pgTx) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestCols+` FROM approval_requests WHERE id = $1`, id))
}

func (t *pgTx) GetApprovalRequestForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx,
		`SELECT `+requestCols+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ListApprovalRequests(ctx context.Context, f RequestFilter) ([]*models.ApprovalRequest, error) {
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+requestCols+` FROM approval_requests
		 WHERE project_id = $1 AND ($2 = '' OR environment = $2)
		   AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
		 ORDER BY created_at, id LIMIT $4 OFFSET $5`,
		f.ProjectID, f.Environment, statuses, limitOrAll(f.Limit), f.Offset,
	)
	return collect(rows, err, scanRequest)
}

// --- Roles and membership ---

const assignmentCols = `id, project_id, principal_type, principal_id, role_slug, is_temporary,
	temporary_start, temporary_end, created_at`

func scanAssignment(row pgx.Row) (*models.RoleAssignment, error) {
	var a models.RoleAssignment
	err := row.Scan(&a.ID, &a.ProjectID, &a.PrincipalType, &a.PrincipalID, &a.RoleSlug, &a.IsTemporary,
		&a.TemporaryStart, &a.TemporaryEnd, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (t *pgTx) InsertRoleAssignment(ctx context.Context, a *models.RoleAssignment) error {
	return t.exec(ctx,
		`INSERT INTO role_assignments (`+assignmentCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ProjectID, a.PrincipalType, a.PrincipalID, a.RoleSlug, a.IsTemporary,
		a.TemporaryStart, a.TemporaryEnd, a.CreatedAt,
	)
}

func (t *pgTx) DeleteRoleAssignment(ctx context.Context, id string) error {
	return t.execOne(ctx, `DELETE FROM role_assignments WHERE id = $1`, id)
}

func (t *pgTx) ListRoleAssignments(ctx context.Context, projectID string, pt models.PrincipalType, principalIDs []string) ([]*models.RoleAssignment, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+assignmentCols+` FROM role_assignments
		 WHERE project_id = $1 AND principal_type = $2
		   AND ($3::text[] IS NULL OR principal_id = ANY($3::text[]))
		 ORDER BY created_at, id`,
		projectID, pt, principalIDs,
	)
	return collect(rows, err, scanAssignment)
}

func (t *pgTx) AddGroupMember(ctx context.Context, m models.GroupMember) error {
	return t.exec(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		m.GroupID, m.UserID,
	)
}

func (t *pgTx) GroupsForUser(ctx context.Context, userID string) ([]string, error) {
	return t.stringColumn(ctx, `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
}

func (t *pgTx) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return t.stringColumn(ctx, `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
}

func (t *pgTx) UpsertCustomRole(ctx context.Context, r *models.CustomRole) error {
	return mapErr(t.tx.QueryRow(ctx,
		`INSERT INTO custom_roles (id, project_id, slug, name, rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (project_id, slug) DO UPDATE
		 SET name = EXCLUDED.name, rules = EXCLUDED.rules, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		r.ID, r.ProjectID, r.Slug, r.Name, r.Rules, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID, &r.CreatedAt))
}

func (t *pgTx) GetCustomRole(ctx context.Context, projectID, slug string) (*models.CustomRole, error) {
	var r models.CustomRole
	err := t.tx.QueryRow(ctx,
		`SELECT id, project_id, slug, name, rules, created_at, updated_at
		 FROM custom_roles WHERE project_id = $1 AND slug = $2`,
		projectID, slug,
	).Scan(&r.ID, &r.ProjectID, &r.Slug, &r.Name, &r.Rules, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (t *pgTx) DeleteCustomRole(ctx context.Context, projectID, slug string) error {
	return t.execOne(ctx, `DELETE FROM custom_roles WHERE project_id = $1 AND slug = $2`, projectID, slug)
}

// --- Audit ---

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		`INSERT INTO audit_log (id, type, project_id, actor_type, actor_id, request_id, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.ProjectID, e.ActorType, e.ActorID, e.RequestID, meta, e.Timestamp,
	)
}

func (t *pgTx) QueryAuditLog(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, type, project_id, actor_type, actor_id, request_id, metadata, timestamp
		 FROM audit_log
		 WHERE ($1 = '' OR project_id = $1) AND ($2 = '' OR type = $2)
		   AND ($3::timestamptz IS NULL OR timestamp >= $3)
		 ORDER BY timestamp DESC LIMIT $4 OFFSET $5`,
		f.ProjectID, f.Type, f.Since, limitOrAll(f.Limit), f.Offset,
	)
	return collect(rows, err, func(row pgx.Row) (*models.AuditEntry, error) {
		var e models.AuditEntry
		var meta []byte
		if err := row.Scan(&e.ID, &e.Type, &e.ProjectID, &e.ActorType, &e.ActorID, &e.RequestID, &meta, &e.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		return &e, nil
	})
}

// --- helpers ---

// limitOrAll turns a non-positive limit into SQL "LIMIT ALL".
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func orderByIDs[T any](ids []string, found []*T, id func(*T) string) ([]*T, error) {
	byID := make(map[string]*T, len(found))
	for _, v := range found {
		byID[id(v)] = v
	}
	out := make([]*T, 0, len(ids))
	for _, i := range ids {
		v, ok := byID[i]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, v)
	}
	return out, nil
}
