package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "8080", cfg.Port)
	assert.Contains(t, cfg.DatabaseURL, "erp_orchestrator")

	assert.Equal(t, int64(4), cfg.WorkerLimit)
	assert.Equal(t, 3*time.Minute, cfg.OperationTimeout)
	assert.Equal(t, 2*time.Minute, cfg.DedupRetention)

	assert.Equal(t, 12*time.Second, cfg.PreemptionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.LockLease)

	assert.Equal(t, 6, cfg.PoolMaxSize)
	assert.True(t, cfg.BrowserHeadless)

	assert.Equal(t, "erp-sync-bot", cfg.SyncAgentID)
	assert.Equal(t, 15*time.Minute, cfg.ForegroundTimeout)
	assert.Equal(t, 0.5, cfg.IntegrityFloor)
	assert.Equal(t, 30*time.Second, cfg.SyncLockWait)
	assert.Equal(t, 100, cfg.SyncBatchSize)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_LIMIT", "8")
	t.Setenv("OPERATION_TIMEOUT", "90s")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("SYNC_INTEGRITY_FLOOR", "0.8")

	cfg := FromEnv()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(8), cfg.WorkerLimit)
	assert.Equal(t, 90*time.Second, cfg.OperationTimeout)
	assert.False(t, cfg.BrowserHeadless)
	assert.Equal(t, 0.8, cfg.IntegrityFloor)
}

func TestFromEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_LIMIT", "not-a-number")
	t.Setenv("OPERATION_TIMEOUT", "soon")
	t.Setenv("BROWSER_HEADLESS", "maybe")

	cfg := FromEnv()

	assert.Equal(t, int64(4), cfg.WorkerLimit)
	assert.Equal(t, 3*time.Minute, cfg.OperationTimeout)
	assert.True(t, cfg.BrowserHeadless)
}

func TestDefaultSchedules(t *testing.T) {
	cfg := FromEnv()

	require.Len(t, cfg.Schedules, len(models.AllSyncTypes))
	for _, syncType := range models.AllSyncTypes {
		assert.Contains(t, cfg.Schedules, syncType)
	}

	// Orders refresh most often and outrank everything else.
	orders := cfg.Schedules[models.SyncOrders]
	for syncType, sched := range cfg.Schedules {
		if syncType == models.SyncOrders {
			continue
		}
		assert.LessOrEqual(t, orders.Interval, sched.Interval, "orders should be the most frequent sync")
		assert.Greater(t, orders.Priority, sched.Priority, "orders should have the highest priority")
	}

	// Offsets are pairwise distinct so timers never fire together at startup.
	seen := make(map[time.Duration]models.SyncType)
	for syncType, sched := range cfg.Schedules {
		if other, dup := seen[sched.Offset]; dup {
			t.Errorf("%s and %s share start offset %s", syncType, other, sched.Offset)
		}
		seen[sched.Offset] = syncType
	}
}

func TestPerTypeScheduleOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_ORDERS", "5m")
	t.Setenv("SYNC_OFFSET_ORDERS", "30s")
	t.Setenv("SYNC_PRIORITY_ORDERS", "150")
	t.Setenv("SYNC_INTERVAL_SHIPPING_DOCUMENTS", "0")

	cfg := FromEnv()

	orders := cfg.Schedules[models.SyncOrders]
	assert.Equal(t, 5*time.Minute, orders.Interval)
	assert.Equal(t, 30*time.Second, orders.Offset)
	assert.Equal(t, 150, orders.Priority)

	// Interval 0 disables the recurring timer for that type.
	assert.Equal(t, time.Duration(0), cfg.Schedules[models.SyncShippingDocs].Interval)

	// Untouched types keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Schedules[models.SyncCustomers].Interval)
}

func TestEnvSuffix(t *testing.T) {
	assert.Equal(t, "ORDERS", envSuffix(models.SyncOrders))
	assert.Equal(t, "SHIPPING_DOCUMENTS", envSuffix(models.SyncShippingDocs))
}
