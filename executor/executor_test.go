package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/eventbus"
	"github.com/nevindra/pipelinecore/graph"
	"github.com/nevindra/pipelinecore/runner"
	"github.com/nevindra/pipelinecore/store/memstore"
)

// fakeRunner returns a fixed output, optionally failing a configured
// number of times before succeeding, and optionally blocking until ctx
// is done.
type fakeRunner struct {
	calls  int
	failN  int // fail the first failN calls with a retryable error
	output map[string]any
	block  bool
}

func (f *fakeRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc runner.Services) (map[string]any, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.calls <= f.failN {
		return nil, &pc.HTTPError{Status: 503, Network: false}
	}
	out := f.output
	if out == nil {
		out = map[string]any{"value": "ok"}
	}
	return out, nil
}

func newTestExecutor(t *testing.T, p pc.Pipeline, reg *runner.Registry) (*Executor, *eventbus.Bus) {
	t.Helper()
	g, err := graph.New(p)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	store := memstore.New(time.Hour)
	bus := eventbus.New(16)
	return New(g, reg, store, bus, runner.Services{}, nil), bus
}

func linearPipeline() pc.Pipeline {
	return pc.Pipeline{
		ID: "p1",
		Steps: []pc.Step{
			{ID: "a", Name: "a", Kind: pc.StepInput, Enabled: true, MaxAttempts: 1},
			{ID: "b", Name: "b", Kind: pc.StepTransform, Enabled: true, MaxAttempts: 1},
			{ID: "c", Name: "c", Kind: pc.StepOutput, Enabled: true, MaxAttempts: 1},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "a", Port: "value"}, Target: pc.PortRef{StepID: "b", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "b", Port: "value"}, Target: pc.PortRef{StepID: "c", Port: "data"}},
		},
	}
}

func TestExecutorSucceedsLinearPipeline(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Add(pc.StepTransform, &fakeRunner{output: map[string]any{"value": "transformed"}})

	ex, bus := newTestExecutor(t, linearPipeline(), reg)
	sub, unsub := bus.Subscribe("run:*")
	defer unsub()

	run := pc.Run{ID: "r1", PipelineID: "p1", InitialVariables: map[string]any{"input": "hi"}}
	err := ex.Run(context.Background(), run, pc.RunOptions{Concurrency: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ex.run.Outputs["c"] != "transformed" {
		t.Errorf("Outputs[c] = %v, want transformed", ex.run.Outputs["c"])
	}

	var sawFinished bool
	for {
		select {
		case ev := <-sub:
			if ev.Kind == pc.EventRunFinished {
				sawFinished = true
				if ev.State != string(pc.RunSucceeded) {
					t.Errorf("RunFinished state = %s, want succeeded", ev.State)
				}
			}
		default:
			goto done
		}
	}
done:
	if !sawFinished {
		t.Error("expected a RunFinished event")
	}
}

func TestExecutorRetriesRetryableFailure(t *testing.T) {
	fr := &fakeRunner{failN: 2, output: map[string]any{"value": "transformed"}}
	reg := runner.NewRegistry()
	reg.Add(pc.StepTransform, fr)

	p := linearPipeline()
	p.Steps[1].MaxAttempts = 3
	p.Steps[1].RetryBackoff = pc.RetryBackoff{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond}

	ex, _ := newTestExecutor(t, p, reg)
	run := pc.Run{ID: "r2", PipelineID: "p1"}
	if err := ex.Run(context.Background(), run, pc.RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fr.calls != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", fr.calls)
	}
}

func TestExecutorFailsAfterExhaustingRetries(t *testing.T) {
	fr := &fakeRunner{failN: 100}
	reg := runner.NewRegistry()
	reg.Add(pc.StepTransform, fr)

	p := linearPipeline()
	p.Steps[1].MaxAttempts = 2
	p.Steps[1].RetryBackoff = pc.RetryBackoff{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond}

	ex, _ := newTestExecutor(t, p, reg)
	run := pc.Run{ID: "r3", PipelineID: "p1"}
	err := ex.Run(context.Background(), run, pc.RunOptions{})
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if fr.calls != 2 {
		t.Errorf("calls = %d, want 2", fr.calls)
	}
}

func TestExecutorSkipPropagationOnConditionBranch(t *testing.T) {
	p := pc.Pipeline{
		ID: "cond",
		Steps: []pc.Step{
			{ID: "a", Name: "a", Kind: pc.StepInput, Enabled: true, MaxAttempts: 1},
			{ID: "cond", Name: "cond", Kind: pc.StepCondition, Enabled: true, MaxAttempts: 1,
				Config: map[string]any{"condition": "data >= 10"}},
			{ID: "t", Name: "t", Kind: pc.StepOutput, Enabled: true, MaxAttempts: 1},
			{ID: "f", Name: "f", Kind: pc.StepOutput, Enabled: true, MaxAttempts: 1},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "a", Port: "value"}, Target: pc.PortRef{StepID: "cond", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "cond", Port: "true_path"}, Target: pc.PortRef{StepID: "t", Port: "data"}},
			{ID: "c3", Source: pc.PortRef{StepID: "cond", Port: "false_path"}, Target: pc.PortRef{StepID: "f", Port: "data"}},
		},
	}
	reg := runner.NewRegistry()
	ex, _ := newTestExecutor(t, p, reg)

	run := pc.Run{ID: "r4", PipelineID: "cond", InitialVariables: map[string]any{"a": 5}}
	if err := ex.Run(context.Background(), run, pc.RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := ex.run.Outputs["f"]; !ok {
		t.Error("expected false-branch output step f to have run")
	}
	if _, ok := ex.run.Outputs["t"]; ok {
		t.Error("expected true-branch output step t to be skipped, got an output")
	}
}

func TestExecutorCancellation(t *testing.T) {
	fr := &fakeRunner{block: true}
	reg := runner.NewRegistry()
	reg.Add(pc.StepTransform, fr)

	ex, _ := newTestExecutor(t, linearPipeline(), reg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- ex.Run(ctx, pc.Run{ID: "r5", PipelineID: "p1"}, pc.RunOptions{})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestExecutorDryRunDoesNotDispatch(t *testing.T) {
	fr := &fakeRunner{}
	reg := runner.NewRegistry()
	reg.Add(pc.StepTransform, fr)

	ex, bus := newTestExecutor(t, linearPipeline(), reg)
	sub, unsub := bus.Subscribe("run:*")
	defer unsub()

	run := pc.Run{ID: "r6", PipelineID: "p1", DryRun: true, InitialVariables: map[string]any{"input": "hi"}}
	if err := ex.Run(context.Background(), run, pc.RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fr.calls != 0 {
		t.Errorf("calls = %d, want 0 for a dry run", fr.calls)
	}

	select {
	case ev := <-sub:
		if ev.Kind != pc.EventDryRunReport {
			t.Errorf("Kind = %s, want DryRunReport", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a DryRunReport event")
	}
}

func TestExecutorDeterministicTopoOrder(t *testing.T) {
	p := linearPipeline()
	g, err := graph.New(p)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	first, err := g.TopoSort()
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := g.TopoSort()
		if err != nil {
			t.Fatalf("TopoSort: %v", err)
		}
		if fmt.Sprint(got) != fmt.Sprint(first) {
			t.Errorf("TopoSort run %d = %v, want %v", i, got, first)
		}
	}
}
