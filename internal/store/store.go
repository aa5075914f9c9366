package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/flow"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists scheduler runs and per-resource results in PostgreSQL.
// Credentials are never written; the ledger file is their only home.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS workflow_runs (
            id          TEXT PRIMARY KEY,
            accounts    INTEGER NOT NULL,
            recorded    INTEGER NOT NULL DEFAULT 0,
            succeeded   INTEGER,
            failed      INTEGER,
            started_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ
        );
        CREATE TABLE IF NOT EXISTS workflow_results (
            run_id       TEXT NOT NULL REFERENCES workflow_runs (id),
            account      TEXT NOT NULL,
            resource_id  TEXT NOT NULL,
            state        TEXT NOT NULL,
            failed_stage TEXT,
            reason       TEXT,
            diagnostic   TEXT,
            trace        TEXT[] NOT NULL,
            started_at   TIMESTAMPTZ,
            finished_at  TIMESTAMPTZ,
            PRIMARY KEY (run_id, account, resource_id)
        );
    `
	sqlStartRun = `
        INSERT INTO workflow_runs (id, accounts, started_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlInsertResult = `
        INSERT INTO workflow_results (run_id, account, resource_id, state, failed_stage, reason, diagnostic, trace, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (run_id, account, resource_id) DO UPDATE SET
            state = EXCLUDED.state,
            failed_stage = EXCLUDED.failed_stage,
            reason = EXCLUDED.reason,
            diagnostic = EXCLUDED.diagnostic,
            trace = EXCLUDED.trace,
            finished_at = EXCLUDED.finished_at;
    `
	sqlCountResult = `
        UPDATE workflow_runs SET recorded = recorded + 1 WHERE id = $1;
    `
	sqlFinishRun = `
        UPDATE workflow_runs SET succeeded = $2, failed = $3, finished_at = $4 WHERE id = $1;
    `
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the run and result tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// StartRun records the beginning of a scheduler run.
func (s *Store) StartRun(ctx context.Context, runID string, accounts int) error {
	if _, err := s.pool.Exec(ctx, sqlStartRun, runID, accounts, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record run %s: %w", runID, err)
	}
	return nil
}

// RecordResult stores one resource outcome and bumps the run's recorded counter atomically.
func (s *Store) RecordResult(ctx context.Context, r flow.Result) error {
	if r.RunID == "" {
		return errors.New("result has no run id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	trace := make([]string, len(r.Trace))
	for i, st := range r.Trace {
		trace[i] = string(st)
	}
	_, err = tx.Exec(ctx, sqlInsertResult,
		r.RunID, r.Account, r.ResourceID, string(r.State),
		nullable(r.FailedStage), nullable(r.Reason), nullable(r.Diagnostic),
		trace, utc(r.StartedAt), utc(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result for %s: %w", r.ResourceID, err)
	}

	tag, err := tx.Exec(ctx, sqlCountResult, r.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", r.RunID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("run %s is not recorded", r.RunID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinishRun stamps the final counts on a run.
func (s *Store) FinishRun(ctx context.Context, runID string, succeeded, failed int) error {
	tag, err := s.pool.Exec(ctx, sqlFinishRun, runID, succeeded, failed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Finished a run that was never started.", zap.String("run_id", runID))
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
