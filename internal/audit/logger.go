package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

// Event types.
const (
	TypeHTTPRequest      = "http.request"
	TypeSecretCreated    = "secret.created"
	TypeSecretUpdated    = "secret.updated"
	TypeSecretDeleted    = "secret.deleted"
	TypeSecretRestored   = "secret.restored"
	TypeFolderCreated    = "folder.created"
	TypeFolderDeleted    = "folder.deleted"
	TypeSnapshotCreated  = "snapshot.created"
	TypeSnapshotRollback = "snapshot.rollback"
	TypeSnapshotsPruned  = "snapshot.pruned"
	TypePolicyCreated    = "approval_policy.created"
	TypePolicyUpdated    = "approval_policy.updated"
	TypePolicyDeleted    = "approval_policy.deleted"
	TypeRequestOpened    = "approval_request.opened"
	TypeRequestReviewed  = "approval_request.reviewed"
	TypeRequestMerged    = "approval_request.merged"
	TypeRequestBypassed  = "approval_request.bypassed"
	TypeRequestClosed    = "approval_request.closed"
	TypeRoleUpserted     = "role.upserted"
	TypeRoleDeleted      = "role.deleted"
	TypeMembershipAdded  = "membership.added"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.Backend
	pool  *worker.Pool
}

// NewLogger creates an audit Logger. Entries are written on pool.
func NewLogger(store storage.Backend, pool *worker.Pool) *Logger {
	return &Logger{store: store, pool: pool}
}

// Record stores entry in the background.
// Secret values must NEVER be passed here, only metadata.
func (l *Logger) Record(entry *models.AuditEntry) {
	if l == nil {
		return
	}
	stamp(entry)
	l.pool.Go("audit:"+entry.Type, func(ctx context.Context) {
		err := storage.Write(ctx, l.store, func(tx storage.Tx) error {
			return tx.InsertAuditEntry(ctx, entry)
		})
		if err != nil {
			log.Error().Err(err).Str("type", entry.Type).Str("project_id", entry.ProjectID).
				Msg("failed to write audit entry")
		}
	})
}

// RecordTx writes entry inside an existing transaction, so it commits or
// rolls back with the change it describes.
func (l *Logger) RecordTx(ctx context.Context, tx storage.Tx, entry *models.AuditEntry) error {
	stamp(entry)
	return tx.InsertAuditEntry(ctx, entry)
}

// Query retrieves paginated audit log entries, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) (out []*models.AuditEntry, err error) {
	err = storage.Read(ctx, l.store, func(tx storage.Tx) error {
		out, err = tx.QueryAuditLog(ctx, filter)
		return err
	})
	return out, err
}

func stamp(e *models.AuditEntry) {
	if e.ID == "" {
		e.ID = models.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
}

// Entry is a shorthand for building an entry attributed to actor.
func Entry(typ, projectID string, actor models.Actor, metadata map[string]any) *models.AuditEntry {
	return &models.AuditEntry{
		Type:      typ,
		ProjectID: projectID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Metadata:  metadata,
	}
}
