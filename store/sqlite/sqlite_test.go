package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	pc "github.com/nevindra/pipelinecore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s := New(dbPath)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := pc.Run{
		ID:         "r1",
		PipelineID: "p1",
		State:      pc.RunPending,
		StartedAt:  time.Now().Truncate(time.Second),
		PipelineSnapshot: pc.Pipeline{
			ID:   "p1",
			Name: "test pipeline",
		},
		InitialVariables: map[string]any{"input": "hello"},
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.PipelineID != "p1" || got.PipelineSnapshot.Name != "test pipeline" {
		t.Errorf("GetRun = %+v, want pipeline_id p1 and snapshot name test pipeline", got)
	}
	if got.InitialVariables["input"] != "hello" {
		t.Errorf("InitialVariables[input] = %v, want hello", got.InitialVariables["input"])
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestUpdateRunState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := pc.Run{ID: "r1", PipelineID: "p1", State: pc.RunRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	finishedAt := time.Now().Truncate(time.Second)
	outputs := map[string]any{"result": "done"}
	if err := s.UpdateRunState(ctx, "r1", pc.RunSucceeded, finishedAt, "", outputs); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != pc.RunSucceeded {
		t.Errorf("State = %v, want succeeded", got.State)
	}
	if !got.FinishedAt.Equal(finishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finishedAt)
	}
	if got.Outputs["result"] != "done" {
		t.Errorf("Outputs[result] = %v, want done", got.Outputs["result"])
	}
}

func TestUpdateRunStateNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRunState(context.Background(), "missing", pc.RunFailed, time.Now(), "boom", nil)
	if err == nil {
		t.Fatal("expected error updating missing run")
	}
}

func TestPutAndListStepRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := pc.StepRun{RunID: "r1", StartedAt: time.Now()}
	attempts := []pc.StepRun{
		{ID: "sr1", StepID: "a", Attempt: 1, State: pc.StepRunFailed},
		{ID: "sr2", StepID: "a", Attempt: 2, State: pc.StepRunSucceeded, Outputs: map[string]any{"text": "ok"}},
		{ID: "sr3", StepID: "b", Attempt: 1, State: pc.StepRunSucceeded},
	}
	for _, a := range attempts {
		sr := base
		sr.ID, sr.StepID, sr.Attempt, sr.State, sr.Outputs = a.ID, a.StepID, a.Attempt, a.State, a.Outputs
		if err := s.PutStepRun(ctx, sr); err != nil {
			t.Fatalf("PutStepRun(%s): %v", a.ID, err)
		}
	}

	runs, err := s.ListStepRuns(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStepRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	if runs[0].StepID != "a" || runs[0].Attempt != 2 {
		t.Errorf("runs[0] = %+v, want step a attempt 2 first", runs[0])
	}
	if runs[0].Outputs["text"] != "ok" {
		t.Errorf("runs[0].Outputs[text] = %v, want ok", runs[0].Outputs["text"])
	}
}

func TestPutStepRunUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sr := pc.StepRun{ID: "sr1", RunID: "r1", StepID: "a", Attempt: 1, State: pc.StepRunRunning, StartedAt: time.Now()}
	if err := s.PutStepRun(ctx, sr); err != nil {
		t.Fatalf("PutStepRun: %v", err)
	}
	sr.State = pc.StepRunSucceeded
	sr.FinishedAt = time.Now()
	sr.Outputs = map[string]any{"x": 1.0}
	if err := s.PutStepRun(ctx, sr); err != nil {
		t.Fatalf("PutStepRun (update): %v", err)
	}

	runs, err := s.ListStepRuns(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStepRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1 (upsert, not duplicate)", len(runs))
	}
	if runs[0].State != pc.StepRunSucceeded {
		t.Errorf("State = %v, want succeeded", runs[0].State)
	}
}

func TestAppendLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		err := s.AppendLog(ctx, "sr1", pc.LogEntry{Seq: i, Level: "info", Message: "line", At: time.Now()})
		if err != nil {
			t.Fatalf("AppendLog(%d): %v", i, err)
		}
	}
}

func TestHeartbeatAndExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := pc.Run{ID: "r1", State: pc.RunRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	expired, err := s.ListExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ListExpiredLeases: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired leases right after create, got %d", len(expired))
	}

	if err := s.Heartbeat(ctx, "r1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}
