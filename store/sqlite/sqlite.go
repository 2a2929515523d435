// Package sqlite implements pipelinecore.RunStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pc "github.com/nevindra/pipelinecore"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements pc.RunStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ pc.RunStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			pipeline_snapshot TEXT NOT NULL,
			state TEXT NOT NULL,
			initial_variables TEXT,
			outputs TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			error TEXT,
			dry_run INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			lease_expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			inputs TEXT,
			outputs TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			step_run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			ts INTEGER NOT NULL,
			PRIMARY KEY (step_run_id, seq)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_step_runs_run_step_attempt
		ON step_runs(run_id, step_id, attempt DESC)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateRun writes the Run row and its frozen pipeline snapshot in a
// single transaction.
func (s *Store) CreateRun(ctx context.Context, run pc.Run) error {
	start := time.Now()
	s.logger.Debug("sqlite: create run", "id", run.ID, "pipeline_id", run.PipelineID)

	snapshot, err := json.Marshal(run.PipelineSnapshot)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	initVars, err := json.Marshal(run.InitialVariables)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline_id, pipeline_snapshot, state, initial_variables,
			started_at, dry_run, created_by, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, string(snapshot), string(run.State), string(initVars),
		run.StartedAt.Unix(), boolToInt(run.DryRun), run.CreatedBy,
		time.Now().Add(time.Hour).Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: create run failed", "id", run.ID, "error", err)
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &pc.StoreError{Op: "CreateRun", Err: err}
	}
	s.logger.Debug("sqlite: create run ok", "id", run.ID, "duration", time.Since(start))
	return nil
}

// UpdateRunState transitions a Run's state, recording FinishedAt/Error/
// Outputs on terminal transitions. finishedAt is the zero value for a
// non-terminal transition.
func (s *Store) UpdateRunState(ctx context.Context, runID string, state pc.RunState, finishedAt time.Time, errMsg string, outputs map[string]any) error {
	s.logger.Debug("sqlite: update run state", "id", runID, "state", state)

	outJSON, err := json.Marshal(outputs)
	if err != nil {
		return &pc.StoreError{Op: "UpdateRunState", Err: err}
	}
	var finishedUnix any
	if !finishedAt.IsZero() {
		finishedUnix = finishedAt.Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ?, error = ?, outputs = ?
		WHERE id = ?`,
		string(state), finishedUnix, errMsg, string(outJSON), runID,
	)
	if err != nil {
		s.logger.Error("sqlite: update run state failed", "id", runID, "error", err)
		return &pc.StoreError{Op: "UpdateRunState", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pc.StoreError{Op: "UpdateRunState", Err: fmt.Errorf("run %s not found", runID)}
	}
	return nil
}

// GetRun returns a Run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (pc.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, pipeline_snapshot, state, initial_variables, outputs,
			started_at, finished_at, error, dry_run, created_by
		FROM runs WHERE id = ?`, runID)

	var run pc.Run
	var snapshot, initVars, outputs, errMsg, createdBy sql.NullString
	var started int64
	var finished sql.NullInt64
	var dryRun int
	var state string

	if err := row.Scan(&run.ID, &run.PipelineID, &snapshot, &state, &initVars, &outputs,
		&started, &finished, &errMsg, &dryRun, &createdBy); err != nil {
		if err == sql.ErrNoRows {
			return pc.Run{}, &pc.StoreError{Op: "GetRun", Err: fmt.Errorf("run %s not found", runID)}
		}
		return pc.Run{}, &pc.StoreError{Op: "GetRun", Err: err}
	}

	run.State = pc.RunState(state)
	run.DryRun = dryRun != 0
	run.StartedAt = time.Unix(started, 0)
	run.Error = errMsg.String
	run.CreatedBy = createdBy.String
	if finished.Valid {
		run.FinishedAt = time.Unix(finished.Int64, 0)
	}
	if snapshot.Valid {
		_ = json.Unmarshal([]byte(snapshot.String), &run.PipelineSnapshot)
	}
	if initVars.Valid {
		_ = json.Unmarshal([]byte(initVars.String), &run.InitialVariables)
	}
	if outputs.Valid {
		_ = json.Unmarshal([]byte(outputs.String), &run.Outputs)
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
	var finishedUnix any
	if !sr.FinishedAt.IsZero() {
		finishedUnix = sr.FinishedAt.Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_runs (id, run_id, step_id, attempt, state, started_at, finished_at, inputs, outputs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, finished_at=excluded.finished_at,
			outputs=excluded.outputs, error=excluded.error`,
		sr.ID, sr.RunID, sr.StepID, sr.Attempt, string(sr.State), sr.StartedAt.Unix(), finishedUnix,
		string(inputs), string(outputs), sr.Error,
	)
	if err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &pc.StoreError{Op: "PutStepRun", Err: err}
	}
	return nil
}

// ListStepRuns returns every StepRun attempt recorded for a run, most
// recent attempt first within each step.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]pc.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, attempt, state, started_at, finished_at, inputs, outputs, error
		FROM step_runs WHERE run_id = ? ORDER BY step_id, attempt DESC`, runID)
	if err != nil {
		return nil, &pc.StoreError{Op: "ListStepRuns", Err: err}
	}
	defer rows.Close()

	var out []pc.StepRun
	for rows.Next() {
		var sr pc.StepRun
		var state string
		var started int64
		var finished sql.NullInt64
		var inputs, outputs, errMsg sql.NullString
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Attempt, &state, &started, &finished, &inputs, &outputs, &errMsg); err != nil {
			return nil, &pc.StoreError{Op: "ListStepRuns", Err: err}
		}
		sr.State = pc.StepRunState(state)
		sr.StartedAt = time.Unix(started, 0)
		sr.Error = errMsg.String
		if finished.Valid {
			sr.FinishedAt = time.Unix(finished.Int64, 0)
		}
		if inputs.Valid {
			_ = json.Unmarshal([]byte(inputs.String), &sr.Inputs)
		}
		if outputs.Valid {
			_ = json.Unmarshal([]byte(outputs.String), &sr.Outputs)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// AppendLog writes one append-only log line with a monotonic seq.
func (s *Store) AppendLog(ctx context.Context, stepRunID string, entry pc.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_logs (step_run_id, seq, level, message, ts) VALUES (?, ?, ?, ?, ?)`,
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
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET lease_expires_at = ? WHERE id = ? AND state = 'running'`,
		time.Now().Add(time.Hour).Unix(), runID)
	if err != nil {
		return &pc.StoreError{Op: "Heartbeat", Err: err}
	}
	return nil
}

// ListExpiredLeases returns runs whose lease has expired while still
// running.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]pc.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE state = 'running' AND lease_expires_at < ?`, time.Now().Unix())
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
	closeErr := rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &pc.StoreError{Op: "ListExpiredLeases", Err: err}
	}
	if closeErr != nil {
		return nil, &pc.StoreError{Op: "ListExpiredLeases", Err: closeErr}
	}

	out := make([]pc.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			s.logger.Error("sqlite: list expired leases: get run failed", "id", id, "error", err)
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
