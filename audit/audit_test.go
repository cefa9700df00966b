package audit

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modubot/cafeworks/store"
)

type failingAuditStore struct {
	store.Store
}

func (f *failingAuditStore) AppendAudit(ctx context.Context, e *store.AuditLogEntry) error {
	return errors.New("disk full")
}

func TestRecordSwallowsWriteFailure(t *testing.T) {
	rec := NewRecorder(&failingAuditStore{Store: store.NewMemoryStore()}, zap.NewNop().Sugar())

	// Must not panic or surface the error.
	rec.Record(context.Background(), &store.AuditLogEntry{
		ActorID:    "admin:kim",
		ActorType:  store.ActorAdmin,
		EntityType: EntityQueue,
		EntityID:   "cafe-jobs",
		Action:     ActionPause,
	})
}

func TestSystemEntryShape(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder(st, zap.NewNop().Sugar())

	rec.System(context.Background(), EntityIncident, "inc-1", ActionResolve, "condition clear for 5m")

	entries, err := st.ListAudit(context.Background(), store.AuditFilter{EntityType: EntityIncident})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SystemActor, entries[0].ActorID)
	assert.Equal(t, store.ActorSystem, entries[0].ActorType)
	assert.Equal(t, ActionResolve, entries[0].Action)
	assert.False(t, entries[0].CreatedAt.IsZero())
}
