package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/org/secretflow/pkg/models"
)

// MemoryBackend is an in-process Backend. Write transactions run one at a
// time against a private copy of the state that replaces the shared state on
// commit, so a failed transaction leaves nothing behind.
type MemoryBackend struct {
	mu    sync.RWMutex
	state *memState
}

type snapshotRow struct {
	snap           models.Snapshot
	secretVersions []string
	folderVersions []string
}

type memState struct {
	secrets        map[string]models.Secret
	secretVersions map[string]models.SecretVersion
	folders        map[string]models.Folder
	folderVersions map[string]models.FolderVersion
	snapshots      map[string]snapshotRow
	policies       map[string]models.ApprovalPolicy
	requests       map[string]models.ApprovalRequest
	assignments    map[string]models.RoleAssignment
	groupMembers   map[models.GroupMember]bool
	customRoles    map[string]models.CustomRole
	audit          []models.AuditEntry
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: &memState{
		secrets:        map[string]models.Secret{},
		secretVersions: map[string]models.SecretVersion{},
		folders:        map[string]models.Folder{},
		folderVersions: map[string]models.FolderVersion{},
		snapshots:      map[string]snapshotRow{},
		policies:       map[string]models.ApprovalPolicy{},
		requests:       map[string]models.ApprovalRequest{},
		assignments:    map[string]models.RoleAssignment{},
		groupMembers:   map[models.GroupMember]bool{},
		customRoles:    map[string]models.CustomRole{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		secrets:        maps.Clone(s.secrets),
		secretVersions: maps.Clone(s.secretVersions),
		folders:        maps.Clone(s.folders),
		folderVersions: maps.Clone(s.folderVersions),
		snapshots:      maps.Clone(s.snapshots),
		policies:       maps.Clone(s.policies),
		requests:       maps.Clone(s.requests),
		assignments:    maps.Clone(s.assignments),
		groupMembers:   maps.Clone(s.groupMembers),
		customRoles:    maps.Clone(s.customRoles),
		audit:          slices.Clone(s.audit),
	}
}

// InTx implements Backend.
func (m *MemoryBackend) InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.ReadOnly {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return fn(&memTx{st: m.state, readOnly: true})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryBackend) Close() {}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) LockEnvironment(context.Context, string, string) error { return nil }

// --- Secrets ---

func (t *memTx) InsertSecret(_ context.Context, s *models.Secret) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.secrets[s.ID]; ok {
		return ErrConflict
	}
	for _, o := range t.st.secrets {
		if !o.IsDeleted() && o.ProjectID == s.ProjectID && o.Environment == s.Environment &&
			o.FolderPath == s.FolderPath && o.Key == s.Key {
			return ErrConflict
		}
	}
	t.st.secrets[s.ID] = *s
	return nil
}

func (t *memTx) UpdateSecret(_ context.Context, s *models.Secret) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.secrets[s.ID]; !ok {
		return ErrNotFound
	}
	if !s.IsDeleted() {
		for id, o := range t.st.secrets {
			if id != s.ID && !o.IsDeleted() && o.ProjectID == s.ProjectID && o.Environment == s.Environment &&
				o.FolderPath == s.FolderPath && o.Key == s.Key {
				return ErrConflict
			}
		}
	}
	t.st.secrets[s.ID] = *s
	return nil
}

func (t *memTx) GetSecret(_ context.Context, id string) (*models.Secret, error) {
	s, ok := t.st.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) GetSecretForUpdate(ctx context.Context, id string) (*models.Secret, error) {
	return t.GetSecret(ctx, id)
}

func (t *memTx) FindSecret(_ context.Context, projectID, environment, folderPath, key string) (*models.Secret, error) {
	folderPath = models.CleanPath(folderPath)
	for _, s := range t.st.secrets {
		if !s.IsDeleted() && s.ProjectID == projectID && s.Environment == environment &&
			s.FolderPath == folderPath && s.Key == key {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListSecrets(_ context.Context, f SecretFilter) ([]*models.Secret, error) {
	var out []*models.Secret
	for _, s := range t.st.secrets {
		if f.match(&s) {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FolderPath != out[j].FolderPath {
			return out[i].FolderPath < out[j].FolderPath
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// --- Secret versions ---

func (t *memTx) InsertSecretVersion(_ context.Context, v *models.SecretVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, o := range t.st.secretVersions {
		if o.SecretID == v.SecretID && o.Version == v.Version {
			return ErrConflict
		}
	}
	c := *v
	c.TagIDs = slices.Clone(v.TagIDs)
	c.Metadata = slices.Clone(v.Metadata)
	t.st.secretVersions[v.ID] = c
	return nil
}

func (t *memTx) GetSecretVersion(_ context.Context, id string) (*models.SecretVersion, error) {
	v, ok := t.st.secretVersions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) GetSecretVersionByNumber(_ context.Context, secretID string, version int) (*models.SecretVersion, error) {
	for _, v := range t.st.secretVersions {
		if v.SecretID == secretID && v.Version == version {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) GetSecretVersions(_ context.Context, ids []string) ([]*models.SecretVersion, error) {
	out := make([]*models.SecretVersion, 0, len(ids))
	for _, id := range ids {
		v, ok := t.st.secretVersions[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, &v)
	}
	return out, nil
}

func (t *memTx) ListSecretVersions(_ context.Context, secretID string, limit, offset int) ([]*models.SecretVersion, int, error) {
	var all []*models.SecretVersion
	for _, v := range t.st.secretVersions {
		if v.SecretID == secretID {
			all = append(all, &v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	return page(all, limit, offset), len(all), nil
}

func (t *memTx) MaxSecretVersion(_ context.Context, secretID string) (int, error) {
	maxVer := 0
	for _, v := range t.st.secretVersions {
		if v.SecretID == secretID && v.Version > maxVer {
			maxVer = v.Version
		}
	}
	return maxVer, nil
}

// --- Folders ---

func (t *memTx) InsertFolder(_ context.Context, f *models.Folder) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, o := range t.st.folders {
		if o.DeletedAt == nil && o.ProjectID == f.ProjectID && o.Environment == f.Environment && o.Path == f.Path {
			return ErrConflict
		}
	}
	t.st.folders[f.ID] = *f
	return nil
}

func (t *memTx) UpdateFolder(_ context.Context, f *models.Folder) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.folders[f.ID]; !ok {
		return ErrNotFound
	}
	if f.DeletedAt == nil {
		for id, o := range t.st.folders {
			if id != f.ID && o.DeletedAt == nil && o.ProjectID == f.ProjectID &&
				o.Environment == f.Environment && o.Path == f.Path {
				return ErrConflict
			}
		}
	}
	t.st.folders[f.ID] = *f
	return nil
}

func (t *memTx) GetFolder(_ context.Context, id string) (*models.Folder, error) {
	f, ok := t.st.folders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (t *memTx) FindFolder(_ context.Context, projectID, environment, path string) (*models.Folder, error) {
	path = models.CleanPath(path)
	for _, f := range t.st.folders {
		if f.DeletedAt == nil && f.ProjectID == projectID && f.Environment == environment && f.Path == path {
			return &f, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListFolders(_ context.Context, ff FolderFilter) ([]*models.Folder, error) {
	var out []*models.Folder
	for _, f := range t.st.folders {
		if ff.match(&f) {
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (t *memTx) InsertFolderVersion(_ context.Context, v *models.FolderVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, o := range t.st.folderVersions {
		if o.FolderID == v.FolderID && o.Version == v.Version {
			return ErrConflict
		}
	}
	t.st.folderVersions[v.ID] = *v
	return nil
}

func (t *memTx) GetFolderVersions(_ context.Context, ids []string) ([]*models.FolderVersion, error) {
	out := make([]*models.FolderVersion, 0, len(ids))
	for _, id := range ids {
		v, ok := t.st.folderVersions[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, &v)
	}
	return out, nil
}

func (t *memTx) MaxFolderVersion(_ context.Context, folderID string) (int, error) {
	maxVer := 0
	for _, v := range t.st.folderVersions {
		if v.FolderID == folderID && v.Version > maxVer {
			maxVer = v.Version
		}
	}
	return maxVer, nil
}

// --- Snapshots ---

func (t *memTx) InsertSnapshot(_ context.Context, s *models.Snapshot, secretVersionIDs, folderVersionIDs []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, o := range t.st.snapshots {
		if o.snap.ProjectID == s.ProjectID && o.snap.Environment == s.Environment && o.snap.Sequence == s.Sequence {
			return ErrConflict
		}
	}
	t.st.snapshots[s.ID] = snapshotRow{
		snap:           *s,
		secretVersions: slices.Clone(secretVersionIDs),
		folderVersions: slices.Clone(folderVersionIDs),
	}
	return nil
}

func (t *memTx) GetSnapshot(_ context.Context, id string) (*models.Snapshot, error) {
	r, ok := t.st.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r.snap, nil
}

func (t *memTx) SnapshotItems(_ context.Context, id string) ([]string, []string, error) {
	r, ok := t.st.snapshots[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return slices.Clone(r.secretVersions), slices.Clone(r.folderVersions), nil
}

func (t *memTx) envSnapshots(projectID, environment string) []*models.Snapshot {
	var out []*models.Snapshot
	for _, r := range t.st.snapshots {
		if r.snap.ProjectID == projectID && r.snap.Environment == environment {
			s := r.snap
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

func (t *memTx) ListSnapshots(_ context.Context, projectID, environment string, limit, offset int) ([]*models.Snapshot, error) {
	return page(t.envSnapshots(projectID, environment), limit, offset), nil
}

func (t *memTx) CountSnapshots(_ context.Context, projectID, environment string) (int, error) {
	return len(t.envSnapshots(projectID, environment)), nil
}

func (t *memTx) MaxSnapshotSequence(_ context.Context, projectID, environment string) (int, error) {
	if s := t.envSnapshots(projectID, environment); len(s) > 0 {
		return s[0].Sequence, nil
	}
	return 0, nil
}

func (t *memTx) DeleteSnapshotsBelow(_ context.Context, projectID, environment string, sequence int) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range t.st.snapshots {
		if r.snap.ProjectID == projectID && r.snap.Environment == environment && r.snap.Sequence < sequence {
			delete(t.st.snapshots, id)
			n++
		}
	}
	return n, nil
}

// --- Approval policies ---

func clonePolicy(p models.ApprovalPolicy) *models.ApprovalPolicy {
	p.Approvers = slices.Clone(p.Approvers)
	p.Bypassers = slices.Clone(p.Bypassers)
	return &p
}

func (t *memTx) InsertApprovalPolicy(_ context.Context, p *models.ApprovalPolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.policies[p.ID]; ok {
		return ErrConflict
	}
	t.st.policies[p.ID] = *clonePolicy(*p)
	return nil
}

func (t *memTx) UpdateApprovalPolicy(_ context.Context, p *models.ApprovalPolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.policies[p.ID]; !ok {
		return ErrNotFound
	}
	t.st.policies[p.ID] = *clonePolicy(*p)
	return nil
}

func (t *memTx) GetApprovalPolicy(_ context.Context, id string) (*models.ApprovalPolicy, error) {
	p, ok := t.st.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (t *memTx) ListApprovalPolicies(_ context.Context, projectID, environment string) ([]*models.ApprovalPolicy, error) {
	var out []*models.ApprovalPolicy
	for _, p := range t.st.policies {
		if p.ProjectID == projectID && p.DeletedAt == nil && (environment == "" || p.Environment == environment) {
			out = append(out, clonePolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessCreated(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

// --- Approval requests ---

func cloneRequest(r models.ApprovalRequest) *models.ApprovalRequest {
	r.Commits = slices.Clone(r.Commits)
	r.Reviews = slices.Clone(r.Reviews)
	return &r
}

func (t *memTx) InsertApprovalRequest(_ context.Context, r *models.ApprovalRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.requests[r.ID]; ok {
		return ErrConflict
	}
	t.st.requests[r.ID] = *cloneRequest(*r)
	return nil
}

func (t *memTx) UpdateApprovalRequest(_ context.Context, r *models.ApprovalRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.requests[r.ID]; !ok {
		return ErrNotFound
	}
	t.st.requests[r.ID] = *cloneRequest(*r)
	return nil
}

func (t *memTx) GetApprovalRequest(_ context.Context, id string) (*models.ApprovalRequest, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (t *memTx) GetApprovalRequestForUpdate(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return t.GetApprovalRequest(ctx, id)
}

func (t *memTx) ListApprovalRequests(_ context.Context, f RequestFilter) ([]*models.ApprovalRequest, error) {
	var out []*models.ApprovalRequest
	for _, r := range t.st.requests {
		if r.ProjectID != f.ProjectID || (f.Environment != "" && r.Environment != f.Environment) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return lessCreated(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return page(out, f.Limit, f.Offset), nil
}

// --- Roles and membership ---

func (t *memTx) InsertRoleAssignment(_ context.Context, a *models.RoleAssignment) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.assignments[a.ID] = *a
	return nil
}

func (t *memTx) DeleteRoleAssignment(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.assignments[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.assignments, id)
	return nil
}

func (t *memTx) ListRoleAssignments(_ context.Context, projectID string, pt models.PrincipalType, principalIDs []string) ([]*models.RoleAssignment, error) {
	var out []*models.RoleAssignment
	for _, a := range t.st.assignments {
		if a.ProjectID == projectID && a.PrincipalType == pt && (principalIDs == nil || slices.Contains(principalIDs, a.PrincipalID)) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessCreated(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (t *memTx) AddGroupMember(_ context.Context, m models.GroupMember) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.groupMembers[m] = true
	return nil
}

func (t *memTx) GroupsForUser(_ context.Context, userID string) ([]string, error) {
	var out []string
	for m := range t.st.groupMembers {
		if m.UserID == userID {
			out = append(out, m.GroupID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *memTx) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	var out []string
	for m := range t.st.groupMembers {
		if m.GroupID == groupID {
			out = append(out, m.UserID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func roleKey(projectID, slug string) string { return projectID + "/" + slug }

func (t *memTx) UpsertCustomRole(_ context.Context, r *models.CustomRole) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := roleKey(r.ProjectID, r.Slug)
	if old, ok := t.st.customRoles[k]; ok {
		r.ID, r.CreatedAt = old.ID, old.CreatedAt
	}
	c := *r
	c.Rules = slices.Clone(r.Rules)
	t.st.customRoles[k] = c
	return nil
}

func (t *memTx) GetCustomRole(_ context.Context, projectID, slug string) (*models.CustomRole, error) {
	r, ok := t.st.customRoles[roleKey(projectID, slug)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) DeleteCustomRole(_ context.Context, projectID, slug string) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := roleKey(projectID, slug)
	if _, ok := t.st.customRoles[k]; !ok {
		return ErrNotFound
	}
	delete(t.st.customRoles, k)
	return nil
}

// --- Audit ---

func (t *memTx) InsertAuditEntry(_ context.Context, e *models.AuditEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	t.st.audit = append(t.st.audit, c)
	return nil
}

func (t *memTx) QueryAuditLog(_ context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for i := len(t.st.audit) - 1; i >= 0; i-- {
		e := t.st.audit[i]
		if f.ProjectID != "" && e.ProjectID != f.ProjectID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, &e)
	}
	return page(out, f.Limit, f.Offset), nil
}

// --- helpers ---

func page[T any](items []T, limit, offset int) []T {
	if offset > len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func lessCreated(a, b time.Time, aID, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}
