package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	l := NewLogger(storage.NewMemoryBackend(), worker.NewInline())
	actor := models.Actor{Type: models.ActorUser, ID: "u1"}

	l.Record(Entry(TypeSecretCreated, "p1", actor, map[string]any{"key": "DB_PASS"}))
	l.Record(Entry(TypeSecretUpdated, "p1", actor, nil))
	l.Record(Entry(TypeSecretCreated, "p2", actor, nil))

	all, err := l.Query(ctx, storage.AuditFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, TypeSecretUpdated, all[0].Type, "newest first")
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].Timestamp.IsZero())
	assert.NotNil(t, all[0].Metadata)

	created, err := l.Query(ctx, storage.AuditFilter{ProjectID: "p1", Type: TypeSecretCreated})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "DB_PASS", created[0].Metadata["key"])
}

func TestRecordTxRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()
	l := NewLogger(b, worker.NewInline())

	err := storage.Write(ctx, b, func(tx storage.Tx) error {
		require.NoError(t, l.RecordTx(ctx, tx, Entry(TypeSnapshotRollback, "p1", models.Actor{ID: "u1"}, nil)))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := l.Query(ctx, storage.AuditFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNilLoggerRecordIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Record(Entry(TypeSecretCreated, "p1", models.Actor{}, nil)) })
}
