package pipelinecore

import (
	"context"
	"time"
)

// RunStore persists pipelines, runs, step-runs, and step logs. Every StepRun transition out of `running` and every Run creation
// is a single transaction; readers see only committed states.
//
// Two backends satisfy this contract: store/sqlite (pure-Go, single
// writer) and store/postgres (pooled, JSONB snapshot). Both are
// interchangeable at the Engine boundary.
type RunStore interface {
	// CreateRun writes the Run row and its frozen pipeline snapshot in a
	// single transaction.
	CreateRun(ctx context.Context, run Run) error
	// UpdateRunState transitions a Run's state; terminal transitions also
	// record FinishedAt/Error/Outputs. finishedAt is the zero time.Time
	// for a non-terminal transition.
	UpdateRunState(ctx context.Context, runID string, state RunState, finishedAt time.Time, errMsg string, outputs map[string]any) error
	GetRun(ctx context.Context, runID string) (Run, error)

	// PutStepRun inserts or updates a StepRun transactionally, keyed by
	// (run_id, step_id, attempt).
	PutStepRun(ctx context.Context, sr StepRun) error
	ListStepRuns(ctx context.Context, runID string) ([]StepRun, error)

	// AppendLog writes one append-only log line with a monotonic seq.
	AppendLog(ctx context.Context, stepRunID string, entry LogEntry) error

	// Heartbeat renews the executor's lease on a running Run, so the
	// reaper does not reclaim it as orphaned.
	Heartbeat(ctx context.Context, runID string) error

	// ListExpiredLeases returns runs whose lease has expired while still
	// `running`, for the reaper to mark Failed with an OrphanedError.
	ListExpiredLeases(ctx context.Context) ([]Run, error)

	Close() error
}
