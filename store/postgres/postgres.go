// Package postgres implements pipelinecore.RunStore using PostgreSQL
// with a JSONB snapshot column.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pc "github.com/nevindra/pipelinecore"
)

// Store implements pc.RunStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	leaseDuration time.Duration // 0 = default of one hour
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithLeaseDuration sets how long a Heartbeat extends a running run's
// lease before the reaper considers it orphaned. Default: one hour.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *pgConfig) { c.leaseDuration = d }
}

var _ pc.RunStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	cfg := pgConfig{leaseDuration: time.Hour}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			pipeline_snapshot JSONB NOT NULL,
			state TEXT NOT NULL,
			initial_variables JSONB,
			outputs JSONB,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			error TEXT NOT NULL DEFAULT '',
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			created_by TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,

		`CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			inputs JSONB,
			outputs JSONB,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_runs_run_step_attempt
			ON step_runs(run_id, step_id, attempt DESC)`,

		`CREATE TABLE IF NOT EXISTS step_logs (
			step_run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			ts BIGINT NOT NULL,
			PRIMARY KEY (step_run_id, seq)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// CreateRun writes the Run row and its frozen pipeline snapshot in a
// single transaction.
func (s *Store) CreateRun(ctx context.Context, run pc.Run) error {
	snapshot, err := json.Marshal(run.PipelineSnapshot)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	initVars, err := json.Marshal(run.InitialVariables)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, pipeline_id, pipeline_snapshot, state, initial_variables,
			started_at, dry_run, created_by, lease_expires_at)
		VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6, $7, $8, $9)`,
		run.ID, run.PipelineID, snapshot, string(run.State), initVars,
		run.StartedAt.Unix(), run.DryRun, run.CreatedBy,
		time.Now().Add(s.cfg.leaseDuration).Unix(),
	)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	return nil
}

// UpdateRunState transitions a Run's state, recording FinishedAt/Error/
// Outputs on terminal transitions. finishedAt is the zero value for a
// non-terminal transition.
func (s *Store) UpdateRunState(ctx context.Context, runID string, state pc.RunState, finishedAt time.Time, errMsg string, outputs map[string]any) error {
	outJSON, err := json.Marshal(outputs)
	if err != nil {
		return &pc.StoreError{Op: "UpdateRunState", Err: err}
	}
	var finishedUnix *int64
	if !finishedAt.IsZero() {
		v := finishedAt.Unix()
		finishedUnix = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $1, finished_at = $2, error = $3, outputs = $4::jsonb
		WHERE id = $5`,
		string(state), finishedUnix, errMsg, outJSON, runID,
	)
	if err != nil {
		return &pc.StoreError{Op: "UpdateRunState", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &pc.StoreError{Op: "UpdateRunState", Err: fmt.Errorf("run %s not found", runID)}
	}
	return nil
}

// GetRun returns a Run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (pc.Run, error) {
	var run pc.Run
	var snapshot, initVars, outputs []byte
	var started int64
	var finished *int64
	var state string

	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, pipeline_snapshot, state, initial_variables, outputs,
			started_at, finished_at, error, dry_run, created_by
		FROM runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.PipelineID, &snapshot, &state, &initVars, &outputs,
		&started, &finished, &run.Error, &run.DryRun, &run.CreatedBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pc.Run{}, &pc.StoreError{Op: "GetRun", Err: fmt.Errorf("run %s not found", runID)}
		}
		return pc.Run{}, &pc.StoreError{Op: "GetRun", Err: err}
	}

	run.State = pc.RunState(state)
	run.StartedAt = time.Unix(started, 0)
	if finished != nil {
		run.FinishedAt = time.Unix(*finished, 0)
	}
	if snapshot != nil {
		_ = json.Unmarshal(snapshot, &run.PipelineSnapshot)
	}
	if initVars != nil {
		_ = json.Unmarshal(initVars, &run.InitialVariables)
	}
	if outputs != nil {
		_ = json.Unmarshal(outputs, &run.Outputs)
	}
	return run, nil
}

// PutStepRun inserts or updates a StepRun transactionally, keyed by
// (run_id, step_id, attempt).
func (s *Store) PutStepRun(ctx context.Context, sr pc.StepRun) error {
	inputs, err := json.Marshal(sr.Inputs)
	if err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	outputs, err := json.Marshal(sr.Outputs)
	if err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	var finishedUnix *int64
	if !sr.FinishedAt.IsZero() {
		v := sr.FinishedAt.Unix()
		finishedUnix = &v
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_runs (id, run_id, step_id, attempt, state, started_at, finished_at, inputs, outputs, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = EXCLUDED.finished_at,
			outputs = EXCLUDED.outputs,
			error = EXCLUDED.error`,
		sr.ID, sr.RunID, sr.StepID, sr.Attempt, string(sr.State), sr.StartedAt.Unix(), finishedUnix,
		inputs, outputs, sr.Error,
	)
	if err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	return nil
}

// ListStepRuns returns every StepRun attempt recorded for a run, most
// recent attempt first within each step.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]pc.StepRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_id, attempt, state, started_at, finished_at, inputs, outputs, error
		FROM step_runs WHERE run_id = $1 ORDER BY step_id, attempt DESC`, runID)
	if err != nil {
		return nil, &pc.StoreError{Op: "ListStepRuns", Err: err}
	}
	defer rows.Close()

	var out []pc.StepRun
	for rows.Next() {
		var sr pc.StepRun
		var state string
		var started int64
		var finished *int64
		var inputs, outputs []byte
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Attempt, &state, &started, &finished, &inputs, &outputs, &sr.Error); err != nil {
			return nil, &pc.StoreError{Op: "ListStepRuns", Err: err}
		}
		sr.State = pc.StepRunState(state)
		sr.StartedAt = time.Unix(started, 0)
		if finished != nil {
			sr.FinishedAt = time.Unix(*finished, 0)
		}
		if inputs != nil {
			_ = json.Unmarshal(inputs, &sr.Inputs)
		}
		if outputs != nil {
			_ = json.Unmarshal(outputs, &sr.Outputs)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// AppendLog writes one append-only log line with a monotonic seq.
func (s *Store) AppendLog(ctx context.Context, stepRunID string, entry pc.LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_logs (step_run_id, seq, level, message, ts) VALUES ($1, $2, $3, $4, $5)`,
		stepRunID, entry.Seq, entry.Level, entry.Message, entry.At.Unix(),
	)
	if err != nil {
		return &pc.StoreError{Op: "AppendLog", Err: err}
	}
	return nil
}

// Heartbeat renews the executor's lease on a running run so the reaper
// does not reclaim it as orphaned.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET lease_expires_at = $1 WHERE id = $2 AND state = 'running'`,
		time.Now().Add(s.cfg.leaseDuration).Unix(), runID)
	if err != nil {
		return &pc.StoreError{Op: "Heartbeat", Err: err}
	}
	return nil
}

// ListExpiredLeases returns runs whose lease has expired while still
// running.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]pc.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM runs WHERE state = 'running' AND lease_expires_at < $1`, time.Now().Unix())
	if err != nil {
		return nil, &pc.StoreError{Op: "ListExpiredLeases", Err: err}
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &pc.StoreError{Op: "ListExpiredLeases", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &pc.StoreError{Op: "ListExpiredLeases", Err: err}
	}

	out := make([]pc.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
