package pipelinecore_test

import (
	"context"
	"testing"
	"time"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/store/memstore"
)

// waitForTerminal polls GetRun until it reaches a terminal state or t
// fails the test via a deadline.
func waitForTerminal(t *testing.T, eng *pc.Engine, runID string) pc.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := eng.GetRun(context.Background(), runID)
		if err == nil && run.State.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state in time", runID)
	return pc.Run{}
}

// blockingInvoker is a ModelInvoker whose Chat call blocks until ctx is
// cancelled, used to exercise Cancel against a step genuinely in flight.
type blockingInvoker struct{ unblocked chan struct{} }

func (b *blockingInvoker) Name() string { return "blocking" }

func (b *blockingInvoker) Chat(ctx context.Context, req pc.ChatRequest) (pc.ChatResponse, error) {
	close(b.unblocked)
	<-ctx.Done()
	return pc.ChatResponse{}, ctx.Err()
}

func (b *blockingInvoker) ChatStream(ctx context.Context, req pc.ChatRequest, ch chan<- pc.TokenChunk) (pc.ChatResponse, error) {
	close(ch)
	return b.Chat(ctx, req)
}

func linearPipeline() pc.Pipeline {
	return pc.Pipeline{
		ID: "p1",
		Steps: []pc.Step{
			{ID: "a", Name: "a", Kind: pc.StepInput, Enabled: true, MaxAttempts: 1},
			{ID: "b", Name: "b", Kind: pc.StepTransform, Enabled: true, MaxAttempts: 1,
				Config: map[string]any{"type": "custom", "expression": "data"}},
			{ID: "c", Name: "c", Kind: pc.StepOutput, Enabled: true, MaxAttempts: 1},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "a", Port: "value"}, Target: pc.PortRef{StepID: "b", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "b", Port: "result"}, Target: pc.PortRef{StepID: "c", Port: "data"}},
		},
	}
}

func TestEngineSubmitRunRequiresStore(t *testing.T) {
	eng := pc.New()
	_, err := eng.SubmitRun(context.Background(), linearPipeline(), nil, pc.RunOptions{})
	if err == nil {
		t.Fatal("expected error when no RunStore is configured")
	}
}

func TestEngineSubmitRunSucceeds(t *testing.T) {
	store := memstore.New(time.Hour)
	eng := pc.New(pc.WithRunStore(store))

	sub, unsub := eng.Subscribe("run:*")
	defer unsub()

	runID, err := eng.SubmitRun(context.Background(), linearPipeline(), map[string]any{"a": "hi"}, pc.RunOptions{Concurrency: 4})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	run := waitForTerminal(t, eng, runID)
	if run.State != pc.RunSucceeded {
		t.Errorf("State = %v, want succeeded", run.State)
	}
	if got := run.Outputs["c"]; got != "hi" {
		t.Errorf("Outputs[\"c\"] = %v, want %q", got, "hi")
	}

	select {
	case ev := <-sub:
		if ev.Kind != pc.EventRunStarted {
			t.Errorf("first event kind = %s, want RunStarted", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a RunStarted event")
	}
}

func TestEngineCancelStopsInFlightRun(t *testing.T) {
	store := memstore.New(time.Hour)
	invoker := &blockingInvoker{unblocked: make(chan struct{})}
	eng := pc.New(pc.WithRunStore(store), pc.WithModelInvoker(invoker))

	pipeline := pc.Pipeline{
		ID: "p2",
		Steps: []pc.Step{
			{ID: "llm", Name: "llm", Kind: pc.StepLLM, Enabled: true, MaxAttempts: 1,
				Config: map[string]any{"model_id": "test-model", "prompt": "hold on"}},
		},
	}

	runID, err := eng.SubmitRun(context.Background(), pipeline, nil, pc.RunOptions{})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	select {
	case <-invoker.unblocked:
	case <-time.After(time.Second):
		t.Fatal("llm step never started")
	}

	if err := eng.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	run := waitForTerminal(t, eng, runID)
	if run.State != pc.RunCancelled {
		t.Errorf("State = %v, want cancelled", run.State)
	}

	// Cancel is idempotent: cancelling an already-terminal run is a no-op,
	// not an error.
	if err := eng.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel on terminal run: %v", err)
	}
}

func TestEngineReapMarksExpiredLeasesFailed(t *testing.T) {
	store := memstore.New(time.Millisecond)
	eng := pc.New(pc.WithRunStore(store))

	run := pc.Run{ID: "stuck", PipelineID: "p1", State: pc.RunRunning, StartedAt: time.Now()}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := eng.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("Reap reclaimed %d runs, want 1", n)
	}

	got, err := eng.GetRun(context.Background(), "stuck")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != pc.RunFailed {
		t.Errorf("State = %v, want failed", got.State)
	}
}
