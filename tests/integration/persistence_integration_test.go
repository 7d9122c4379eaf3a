package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
	"github.com/vendra/field-sales/erp-orchestrator/tests/helpers"
)

// TestRecordStoreIntegration exercises the generic record table against a real
// Postgres: upsert semantics, sync hash stamping, and stale deletion.
func TestRecordStoreIntegration(t *testing.T) {
	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	ctx := context.Background()
	kind := fmt.Sprintf("it-orders-%d", time.Now().UnixNano())
	defer testDB.PurgeKind(t, kind)

	t.Run("upsert inserts then updates in place", func(t *testing.T) {
		firstHash := uuid.New().String()
		testDB.SeedRecords(t, kind, firstHash, 20)
		assert.Equal(t, 20, testDB.RecordCount(t, kind))

		// Re-upserting the same keys must not grow the table.
		testDB.SeedRecords(t, kind, uuid.New().String(), 20)
		assert.Equal(t, 20, testDB.RecordCount(t, kind))
	})

	t.Run("delete stale removes only untouched rows", func(t *testing.T) {
		currentHash := uuid.New().String()

		// Touch the first 15 keys with the current hash; the remaining 5 keep
		// the previous one.
		touched := make([]models.Record, 0, 15)
		for i := 0; i < 15; i++ {
			touched = append(touched, models.Record{
				Kind:   kind,
				Key:    fmt.Sprintf("%s-%04d", kind, i),
				Hash:   fmt.Sprintf("hash-%04d", i),
				Fields: map[string]interface{}{"index": i},
			})
		}
		require.NoError(t, testDB.Store.Upsert(ctx, touched, currentHash))

		deleted, err := testDB.Store.DeleteStale(ctx, kind, currentHash)
		require.NoError(t, err)
		assert.Equal(t, int64(5), deleted)
		assert.Equal(t, 15, testDB.RecordCount(t, kind))
	})

	t.Run("delete stale ignores other kinds", func(t *testing.T) {
		otherKind := kind + "-other"
		defer testDB.PurgeKind(t, otherKind)
		testDB.SeedRecords(t, otherKind, uuid.New().String(), 3)

		_, err := testDB.Store.DeleteStale(ctx, kind, uuid.New().String())
		require.NoError(t, err)
		assert.Equal(t, 3, testDB.RecordCount(t, otherKind))
	})
}

// TestSyncRunLogIntegration verifies the sync run history used by the status
// endpoint.
func TestSyncRunLogIntegration(t *testing.T) {
	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	ctx := context.Background()

	older := persistence.SyncRun{
		ID:        uuid.New().String(),
		Type:      models.SyncOrders,
		Mode:      models.SyncModeScheduled,
		StartedAt: time.Now().Add(-time.Hour).UTC(),
		Duration:  42 * time.Second,
		Records:   120,
		Success:   true,
	}
	newer := persistence.SyncRun{
		ID:        uuid.New().String(),
		Type:      models.SyncOrders,
		Mode:      models.SyncModeManual,
		StartedAt: time.Now().UTC(),
		Duration:  5 * time.Second,
		Records:   0,
		Success:   false,
		Error:     "export incomplete",
	}
	require.NoError(t, testDB.Store.RecordSyncRun(ctx, older))
	require.NoError(t, testDB.Store.RecordSyncRun(ctx, newer))

	runs, err := testDB.Store.LastSyncRuns(ctx)
	require.NoError(t, err)

	last, ok := runs[models.SyncOrders]
	require.True(t, ok, "expected a run for orders")
	assert.Equal(t, newer.ID, last.ID)
	assert.Equal(t, models.SyncModeManual, last.Mode)
	assert.False(t, last.Success)
	assert.Equal(t, "export incomplete", last.Error)
}

// TestOperationLogIntegration verifies the audit log upsert keeps the latest
// terminal state for an operation id.
func TestOperationLogIntegration(t *testing.T) {
	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	ctx := context.Background()
	opID := uuid.New().String()

	entry := persistence.OperationLog{
		ID:         opID,
		AgentID:    "agent-7",
		Type:       models.OperationPlaceOrder,
		State:      models.OperationFailed,
		Error:      "erp timeout",
		CreatedAt:  time.Now().Add(-time.Minute).UTC(),
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.Store.RecordOperation(ctx, entry))

	// A second write for the same id replaces the terminal state.
	entry.State = models.OperationCompleted
	entry.Error = ""
	require.NoError(t, testDB.Store.RecordOperation(ctx, entry))

	var state, errMsg string
	err := testDB.Pool.QueryRow(ctx,
		`SELECT state, error FROM operation_log WHERE id = $1`, opID).Scan(&state, &errMsg)
	require.NoError(t, err)
	assert.Equal(t, string(models.OperationCompleted), state)
	assert.Empty(t, errMsg)
}
