package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pc "github.com/nevindra/pipelinecore"
)

func skipIfNoDSN(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PIPELINECORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIPELINECORE_POSTGRES_DSN not set, skipping integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestIntegration(t *testing.T) {
	pool := skipIfNoDSN(t)
	s := New(pool)
	ctx := context.Background()

	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	run := pc.Run{
		ID:               runID,
		PipelineID:       "p1",
		State:            pc.RunPending,
		StartedAt:        time.Now().Truncate(time.Second),
		PipelineSnapshot: pc.Pipeline{ID: "p1", Name: "integration test"},
		InitialVariables: map[string]any{"input": "hello"},
	}

	t.Run("CreateAndGetRun", func(t *testing.T) {
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		got, err := s.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.PipelineSnapshot.Name != "integration test" {
			t.Errorf("PipelineSnapshot.Name = %q, want integration test", got.PipelineSnapshot.Name)
		}
	})

	t.Run("UpdateRunState", func(t *testing.T) {
		err := s.UpdateRunState(ctx, runID, pc.RunSucceeded, time.Now(), "", map[string]any{"ok": true})
		if err != nil {
			t.Fatalf("UpdateRunState: %v", err)
		}
		got, err := s.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.State != pc.RunSucceeded {
			t.Errorf("State = %v, want succeeded", got.State)
		}
	})

	t.Run("StepRunLifecycle", func(t *testing.T) {
		sr := pc.StepRun{ID: runID + "-s1", RunID: runID, StepID: "step-a", Attempt: 1, State: pc.StepRunRunning, StartedAt: time.Now()}
		if err := s.PutStepRun(ctx, sr); err != nil {
			t.Fatalf("PutStepRun: %v", err)
		}
		sr.State = pc.StepRunSucceeded
		sr.FinishedAt = time.Now()
		sr.Outputs = map[string]any{"text": "done"}
		if err := s.PutStepRun(ctx, sr); err != nil {
			t.Fatalf("PutStepRun (update): %v", err)
		}

		runs, err := s.ListStepRuns(ctx, runID)
		if err != nil {
			t.Fatalf("ListStepRuns: %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("len(runs) = %d, want 1", len(runs))
		}
		if runs[0].State != pc.StepRunSucceeded {
			t.Errorf("State = %v, want succeeded", runs[0].State)
		}
	})

	t.Run("AppendLog", func(t *testing.T) {
		if err := s.AppendLog(ctx, runID+"-s1", pc.LogEntry{Seq: 1, Level: "info", Message: "hi", At: time.Now()}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	})

	t.Run("Heartbeat", func(t *testing.T) {
		if err := s.Heartbeat(ctx, runID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	})
}
