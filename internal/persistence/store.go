package persistence

import (
	"context"
	"time"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// SyncRun is one recorded execution of a background sync, kept for the
// monitoring/status surface.
type SyncRun struct {
	ID        string          `json:"id" db:"id"`
	Type      models.SyncType `json:"type" db:"type"`
	Mode      models.SyncMode `json:"mode" db:"mode"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	Duration  time.Duration   `json:"duration_ms" db:"duration_ms"`
	Records   int             `json:"records" db:"records"`
	Success   bool            `json:"success" db:"success"`
	Error     string          `json:"error,omitempty" db:"error"`
}

// OperationLog is the audit entry written when an operation reaches a
// terminal state.
type OperationLog struct {
	ID         string                `json:"id" db:"id"`
	AgentID    string                `json:"agent_id" db:"agent_id"`
	Type       models.OperationType  `json:"type" db:"type"`
	State      models.OperationState `json:"state" db:"state"`
	Error      string                `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time             `json:"created_at" db:"created_at"`
	FinishedAt time.Time             `json:"finished_at" db:"finished_at"`
}

// Store is the narrow persistence interface the orchestration core writes
// through. It deliberately knows nothing about the business schema beyond
// kind/key/fields; sync executors own the semantics.
type Store interface {
	// Upsert writes records, stamping them with the current sync's hash.
	Upsert(ctx context.Context, records []models.Record, syncHash string) error
	// DeleteStale removes records of kind that were NOT touched by the sync
	// identified by syncHash, returning how many were deleted.
	DeleteStale(ctx context.Context, kind string, syncHash string) (int64, error)
	// CountRecords returns the current number of stored records of kind.
	CountRecords(ctx context.Context, kind string) (int, error)

	RecordSyncRun(ctx context.Context, run SyncRun) error
	LastSyncRuns(ctx context.Context) (map[models.SyncType]SyncRun, error)
	RecordOperation(ctx context.Context, entry OperationLog) error
}
