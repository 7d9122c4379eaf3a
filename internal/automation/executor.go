package automation

import (
	"context"

	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// Task is one unit of ERP UI work handed to the executor by the operation
// queue or a sync executor.
type Task struct {
	// Type is an operation type (place-order, ...) or "sync:<type>".
	Type    string
	AgentID string
	Payload map[string]interface{}
}

// Result is what a task produced. Operations fill Output; syncs fill Records.
type Result struct {
	Output  map[string]interface{}
	Records []models.Record
	// Expected is the record count the export declared, 0 when unknown. The
	// sync executor compares it against len(Records) for integrity checks.
	Expected int
}

// Executor performs the actual ERP UI steps. Implementations must honor ctx
// cancellation at safe checkpoints (between UI steps, between export pages)
// and return typed errors from this package so callers can classify them.
type Executor interface {
	RunTask(ctx context.Context, task Task, session browserpool.Session) (*Result, error)
}

// SyncTaskType builds the task type string for a sync.
func SyncTaskType(t models.SyncType) string {
	return "sync:" + string(t)
}
