package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("erp-orchestrator")

// OrchestratorMetrics provides metrics collection for operations and syncs
type OrchestratorMetrics struct {
	opsSubmittedCounter   metric.Int64Counter
	opsCompletedCounter   metric.Int64Counter
	opsFailedCounter      metric.Int64Counter
	opDurationHistogram   metric.Float64Histogram
	opsActiveGauge        metric.Int64UpDownCounter
	syncsCompletedCounter metric.Int64Counter
	syncsFailedCounter    metric.Int64Counter
	syncDurationHistogram metric.Float64Histogram
	preemptionsCounter    metric.Int64Counter
}

// NewOrchestratorMetrics creates a new orchestrator metrics collector
func NewOrchestratorMetrics() (*OrchestratorMetrics, error) {
	opsSubmittedCounter, err := meter.Int64Counter(
		"erp_orchestrator.operations.submitted",
		metric.WithDescription("Total number of operations submitted"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	opsCompletedCounter, err := meter.Int64Counter(
		"erp_orchestrator.operations.completed",
		metric.WithDescription("Total number of operations completed successfully"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	opsFailedCounter, err := meter.Int64Counter(
		"erp_orchestrator.operations.failed",
		metric.WithDescription("Total number of operations that failed or timed out"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	opDurationHistogram, err := meter.Float64Histogram(
		"erp_orchestrator.operation.duration",
		metric.WithDescription("Duration of operation execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	opsActiveGauge, err := meter.Int64UpDownCounter(
		"erp_orchestrator.operations.active",
		metric.WithDescription("Number of currently running operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	syncsCompletedCounter, err := meter.Int64Counter(
		"erp_orchestrator.syncs.completed",
		metric.WithDescription("Total number of background syncs completed successfully"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	syncsFailedCounter, err := meter.Int64Counter(
		"erp_orchestrator.syncs.failed",
		metric.WithDescription("Total number of background syncs that failed"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	syncDurationHistogram, err := meter.Float64Histogram(
		"erp_orchestrator.sync.duration",
		metric.WithDescription("Duration of background sync execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	preemptionsCounter, err := meter.Int64Counter(
		"erp_orchestrator.lock.preemptions",
		metric.WithDescription("Total number of sync preemptions by user operations"),
		metric.WithUnit("{preemption}"),
	)
	if err != nil {
		return nil, err
	}

	return &OrchestratorMetrics{
		opsSubmittedCounter:   opsSubmittedCounter,
		opsCompletedCounter:   opsCompletedCounter,
		opsFailedCounter:      opsFailedCounter,
		opDurationHistogram:   opDurationHistogram,
		opsActiveGauge:        opsActiveGauge,
		syncsCompletedCounter: syncsCompletedCounter,
		syncsFailedCounter:    syncsFailedCounter,
		syncDurationHistogram: syncDurationHistogram,
		preemptionsCounter:    preemptionsCounter,
	}, nil
}

// RecordOperationSubmitted records a newly accepted operation
func (m *OrchestratorMetrics) RecordOperationSubmitted(ctx context.Context, agentID, opType string) {
	m.opsSubmittedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("operation.type", opType),
		),
	)
}

// RecordOperationStarted marks an operation as running
func (m *OrchestratorMetrics) RecordOperationStarted(ctx context.Context, agentID string) {
	m.opsActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}

// RecordOperationCompleted records a successful operation
func (m *OrchestratorMetrics) RecordOperationCompleted(ctx context.Context, agentID, opType string, duration time.Duration) {
	m.opsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("operation.type", opType),
			attribute.String("status", "completed"),
		),
	)
	m.opDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("operation.type", opType),
			attribute.String("status", "completed"),
		),
	)
	m.opsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}

// RecordOperationFailed records a failed, timed-out, or cancelled operation
func (m *OrchestratorMetrics) RecordOperationFailed(ctx context.Context, agentID, opType, state string, duration time.Duration) {
	m.opsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("operation.type", opType),
			attribute.String("status", state),
		),
	)
	m.opDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("operation.type", opType),
			attribute.String("status", state),
		),
	)
	m.opsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}

// RecordSyncCompleted records a successful background sync
func (m *OrchestratorMetrics) RecordSyncCompleted(ctx context.Context, syncType, mode string, records int, duration time.Duration) {
	m.syncsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sync.type", syncType),
			attribute.String("sync.mode", mode),
			attribute.Int("sync.records", records),
		),
	)
	m.syncDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("sync.type", syncType),
			attribute.String("status", "completed"),
		),
	)
}

// RecordSyncFailed records a failed background sync
func (m *OrchestratorMetrics) RecordSyncFailed(ctx context.Context, syncType, mode, errorType string, duration time.Duration) {
	m.syncsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sync.type", syncType),
			attribute.String("sync.mode", mode),
			attribute.String("error.type", errorType),
		),
	)
	m.syncDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("sync.type", syncType),
			attribute.String("status", "failed"),
		),
	)
}

// RecordPreemption records one sync preempted in favor of a user operation
func (m *OrchestratorMetrics) RecordPreemption(ctx context.Context, agentID string) {
	m.preemptionsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
}
