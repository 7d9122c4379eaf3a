package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store over an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the orchestrator's tables when missing. Business
// entities live in one generic table keyed by kind; the core never joins
// against them.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS erp_records (
			kind       TEXT NOT NULL,
			key        TEXT NOT NULL,
			hash       TEXT NOT NULL,
			sync_hash  TEXT NOT NULL,
			fields     JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, key)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			mode        TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			records     INT NOT NULL,
			success     BOOLEAN NOT NULL,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS sync_runs_type_started_idx ON sync_runs (type, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS operation_log (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			type        TEXT NOT NULL,
			state       TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name            TEXT NOT NULL,
			email           TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			roles           TEXT[] NOT NULL DEFAULT '{user}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert writes records inside one transaction, stamping each row with the
// current sync's hash so DeleteStale can tell touched rows apart.
func (s *PGStore) Upsert(ctx context.Context, records []models.Record, syncHash string) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields for %s/%s: %w", rec.Kind, rec.Key, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO erp_records (kind, key, hash, sync_hash, fields, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (kind, key)
			DO UPDATE SET hash = EXCLUDED.hash, sync_hash = EXCLUDED.sync_hash,
			              fields = EXCLUDED.fields, updated_at = NOW()
		`, rec.Kind, rec.Key, rec.Hash, syncHash, fields)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", rec.Kind, rec.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// DeleteStale removes records of kind the current sync did not touch.
func (s *PGStore) DeleteStale(ctx context.Context, kind string, syncHash string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM erp_records WHERE kind = $1 AND sync_hash <> $2
	`, kind, syncHash)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale %s records: %w", kind, err)
	}
	return tag.RowsAffected(), nil
}

// CountRecords returns the number of stored records of kind.
func (s *PGStore) CountRecords(ctx context.Context, kind string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM erp_records WHERE kind = $1`, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", kind, err)
	}
	return count, nil
}

// RecordSyncRun persists one sync execution for the status surface.
func (s *PGStore) RecordSyncRun(ctx context.Context, run SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, type, mode, started_at, duration_ms, records, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, string(run.Type), string(run.Mode), run.StartedAt,
		run.Duration.Milliseconds(), run.Records, run.Success, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// LastSyncRuns returns the most recent run per sync type.
func (s *PGStore) LastSyncRuns(ctx context.Context) (map[models.SyncType]SyncRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (type) id, type, mode, started_at, duration_ms, records, success, error
		FROM sync_runs
		ORDER BY type, started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	result := make(map[models.SyncType]SyncRun)
	for rows.Next() {
		var run SyncRun
		var durationMS int64
		err := rows.Scan(&run.ID, &run.Type, &run.Mode, &run.StartedAt,
			&durationMS, &run.Records, &run.Success, &run.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		result[run.Type] = run
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return result, nil
}

// RecordOperation writes the audit entry for a terminal operation.
func (s *PGStore) RecordOperation(ctx context.Context, entry OperationLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operation_log (id, agent_id, type, state, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, error = EXCLUDED.error,
		                               finished_at = EXCLUDED.finished_at
	`, entry.ID, entry.AgentID, string(entry.Type), string(entry.State),
		entry.Error, entry.CreatedAt, entry.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}
