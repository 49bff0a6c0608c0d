package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretflow/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses a race or violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrReadOnly is returned when a read-only transaction attempts a write.
var ErrReadOnly = errors.New("read-only transaction")

// Isolation is the transaction isolation level.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// TxOptions configures a transaction. Above read committed a transaction
// whose snapshot went stale may be run again, so fn must not keep state
// between attempts.
type TxOptions struct {
	ReadOnly  bool
	Isolation Isolation
}

// Backend is the persistence interface for secretflow. All reads and writes
// happen inside InTx; fn's error rolls the transaction back.
type Backend interface {
	InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// LockEnvironment serializes tree walks and tree-wide writes for one environment.
	LockEnvironment(ctx context.Context, projectID, environment string) error

	// Secrets
	InsertSecret(ctx context.Context, s *models.Secret) error
	UpdateSecret(ctx context.Context, s *models.Secret) error
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	GetSecretForUpdate(ctx context.Context, id string) (*models.Secret, error)
	FindSecret(ctx context.Context, projectID, environment, folderPath, key string) (*models.Secret, error)
	ListSecrets(ctx context.Context, f SecretFilter) ([]*models.Secret, error)

	// Secret versions
	InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error
	GetSecretVersion(ctx context.Context, id string) (*models.SecretVersion, error)
	GetSecretVersionByNumber(ctx context.Context, secretID string, version int) (*models.SecretVersion, error)
	GetSecretVersions(ctx context.Context, ids []string) ([]*models.SecretVersion, error)
	ListSecretVersions(ctx context.Context, secretID string, limit, offset int) ([]*models.SecretVersion, int, error)
	MaxSecretVersion(ctx context.Context, secretID string) (int, error)

	// Folders
	InsertFolder(ctx context.Context, f *models.Folder) error
	UpdateFolder(ctx context.Context, f *models.Folder) error
	GetFolder(ctx context.Context, id string) (*models.Folder, error)
	FindFolder(ctx context.Context, projectID, environment, path string) (*models.Folder, error)
	ListFolders(ctx context.Context, f FolderFilter) ([]*models.Folder, error)
	InsertFolderVersion(ctx context.Context, v *models.FolderVersion) error
	GetFolderVersions(ctx context.Context, ids []string) ([]*models.FolderVersion, error)
	MaxFolderVersion(ctx context.Context, folderID string) (int, error)

	// Snapshots
	InsertSnapshot(ctx context.Context, s *models.Snapshot, secretVersionIDs, folderVersionIDs []string) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	SnapshotItems(ctx context.Context, snapshotID string) (secretVersionIDs, folderVersionIDs []string, err error)
	ListSnapshots(ctx context.Context, projectID, environment string, limit, offset int) ([]*models.Snapshot, error)
	CountSnapshots(ctx context.Context, projectID, environment string) (int, error)
	MaxSnapshotSequence(ctx context.Context, projectID, environment string) (int, error)
	DeleteSnapshotsBelow(ctx context.Context, projectID, environment string, sequence int) (int, error)

	// Approval policies
	InsertApprovalPolicy(ctx context.Context, p *models.ApprovalPolicy) error
	UpdateApprovalPolicy(ctx context.Context, p *models.ApprovalPolicy) error
	GetApprovalPolicy(ctx context.Context, id string) (*models.ApprovalPolicy, error)
	ListApprovalPolicies(ctx context.Context, projectID, environment string) ([]*models.ApprovalPolicy, error)

	// Approval requests
	InsertApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error
	UpdateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetApprovalRequestForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, f RequestFilter) ([]*models.ApprovalRequest, error)

	// Roles and membership
	InsertRoleAssignment(ctx context.Context, a *models.RoleAssignment) error
	DeleteRoleAssignment(ctx context.Context, id string) error
	ListRoleAssignments(ctx context.Context, projectID string, pt models.PrincipalType, principalIDs []string) ([]*models.RoleAssignment, error)
	AddGroupMember(ctx context.Context, m models.GroupMember) error
	GroupsForUser(ctx context.Context, userID string) ([]string, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	UpsertCustomRole(ctx context.Context, r *models.CustomRole) error
	GetCustomRole(ctx context.Context, projectID, slug string) (*models.CustomRole, error)
	DeleteCustomRole(ctx context.Context, projectID, slug string) error

	// Audit
	InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error)
}

// SecretFilter selects secrets of one environment.
type SecretFilter struct {
	ProjectID   string
	Environment string
	// FolderPath restricts results to one folder, or a subtree when Recursive is set.
	FolderPath     string
	Recursive      bool
	IncludeDeleted bool
}

func (f SecretFilter) match(s *models.Secret) bool {
	if s.ProjectID != f.ProjectID || s.Environment != f.Environment {
		return false
	}
	if !f.IncludeDeleted && s.IsDeleted() {
		return false
	}
	if f.FolderPath == "" {
		return true
	}
	if f.Recursive {
		return models.PathWithin(s.FolderPath, f.FolderPath)
	}
	return s.FolderPath == models.CleanPath(f.FolderPath)
}

// FolderFilter selects folders of one environment.
type FolderFilter struct {
	ProjectID   string
	Environment string
	// Under restricts results to folders strictly below this path.
	Under          string
	IncludeDeleted bool
}

func (f FolderFilter) match(fo *models.Folder) bool {
	if fo.ProjectID != f.ProjectID || fo.Environment != f.Environment {
		return false
	}
	if !f.IncludeDeleted && fo.DeletedAt != nil {
		return false
	}
	if f.Under == "" {
		return true
	}
	return fo.Path != models.CleanPath(f.Under) && models.PathWithin(fo.Path, f.Under)
}

// RequestFilter selects approval requests.
type RequestFilter struct {
	ProjectID   string
	Environment string
	Statuses    []models.RequestStatus
	Limit       int
	Offset      int
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	ProjectID string
	Type      string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Read runs fn in a read-only transaction.
func Read(ctx context.Context, b Backend, fn func(tx Tx) error) error {
	return b.InTx(ctx, TxOptions{ReadOnly: true}, fn)
}

// Write runs fn in a read-committed read-write transaction.
func Write(ctx context.Context, b Backend, fn func(tx Tx) error) error {
	return b.InTx(ctx, TxOptions{}, fn)
}
