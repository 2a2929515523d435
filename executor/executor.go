// Package executor implements the scheduling loop that drives one Run
// to completion: it walks the dependency graph reactively, each step
// completion immediately evaluating its dependents rather than batching
// in waves, bounds concurrency with a counting semaphore, and layers in
// retry/backoff, skip propagation, timeouts, cancellation, dry-run, and
// event publication on top.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/graph"
	"github.com/nevindra/pipelinecore/runner"
	"github.com/nevindra/pipelinecore/vars"
)

const (
	defaultConcurrency      = 8
	defaultCancelGrace      = 5 * time.Second
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffFact      = 2.0
	defaultBackoffCap       = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Executor runs a single Run's step graph to completion. One Executor
// instance is scoped to one Run; the engine constructs a fresh Executor
// per SubmitRun call.
type Executor struct {
	graph    *graph.Graph
	registry *runner.Registry
	store    pc.RunStore
	bus      pc.EventBus
	services runner.Services
	clock    pc.Clock
	tracer   pc.Tracer
	opts     pc.RunOptions

	run   pc.Run
	vs    *pc.VariableStore
	state *execState
}

// WithTracer attaches a Tracer that opens one span per StepRun attempt,
// parented to the run's span. A nil tracer (the default) disables
// tracing entirely; no caller needs to nil-check before calling it.
func (e *Executor) WithTracer(t pc.Tracer) *Executor {
	e.tracer = t
	return e
}

// execState holds the mutable scheduling bookkeeping for one run, all
// of it guarded by a single RWMutex.
type execState struct {
	mu          sync.RWMutex
	skipped     map[string]bool // step id -> skipped (disabled or upstream-skipped)
	portSkipped map[pc.PortRef]bool
	completed   map[string]bool
	attempts    map[string]int // step id -> attempts made so far
	totalAttempts int
	failedStep  string
	runErr      error
	runOutputs  map[string]any // output step name -> its "data" value
}

// New builds an Executor for one run. store and bus may be nil only in
// tests that don't exercise persistence/events (dry-run callers still
// pass a real bus to observe the DryRunReport).
func New(g *graph.Graph, registry *runner.Registry, store pc.RunStore, bus pc.EventBus, services runner.Services, clock pc.Clock) *Executor {
	if clock == nil {
		clock = pc.SystemClock
	}
	return &Executor{
		graph:    g,
		registry: registry,
		store:    store,
		bus:      bus,
		services: services,
		clock:    clock,
	}
}

// Run executes run to a terminal state, blocking until the run finishes,
// fails, is cancelled, or ctx is done. It returns the terminal error, if
// any — callers typically only care about run.State afterward.
func (e *Executor) Run(ctx context.Context, run pc.Run, opts pc.RunOptions) error {
	e.run = run
	e.opts = opts
	e.vs = pc.NewVariableStore(run.InitialVariables)
	e.vs.Set("inputs", run.InitialVariables)
	e.state = &execState{
		skipped:     make(map[string]bool),
		portSkipped: make(map[pc.PortRef]bool),
		completed:   make(map[string]bool),
		attempts:    make(map[string]int),
		runOutputs:  make(map[string]any),
	}

	if run.DryRun {
		return e.dryRun(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.RunTimeoutMS > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, opts.RunTimeoutMS)
		defer timeoutCancel()
	}

	e.publish(pc.Event{RunID: run.ID, Kind: pc.EventRunStarted, TS: e.clock.Now(), State: string(pc.RunRunning)})
	if e.store != nil {
		if err := e.store.CreateRun(ctx, run); err != nil {
			return err
		}
	}

	var runSpan pc.Span
	if e.tracer != nil {
		ctx, runSpan = e.tracer.Start(ctx, "pipeline.run", pc.StringAttr("run_id", run.ID), pc.StringAttr("pipeline_id", run.PipelineID))
		defer runSpan.End()
	}

	order, err := e.graph.TopoSort()
	if err != nil {
		e.finish(ctx, pc.RunFailed, err)
		return err
	}

	concurrency := int64(opts.Concurrency)
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := semaphore.NewWeighted(concurrency)

	stopHeartbeat := e.startHeartbeat(ctx, run.ID)
	defer stopHeartbeat()

	e.runDAG(ctx, order, sem, cancel)

	e.state.mu.RLock()
	failed := e.state.failedStep != ""
	runErr := e.state.runErr
	e.state.mu.RUnlock()

	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) || (ctx.Err() != nil && runErr == nil):
		// The step-level error is itself just the ambient context being
		// cancelled/timed out (an external Cancel or a run-level
		// timeout), not a genuine step failure — report Cancelled
		// rather than Failed per the fail_fast policy.
		if runSpan != nil {
			runSpan.SetAttr(pc.StringAttr("run_state", string(pc.RunCancelled)))
		}
		e.finish(ctx, pc.RunCancelled, &pc.CancelledError{RunID: run.ID})
		return nil
	case failed:
		if runSpan != nil {
			runSpan.Error(runErr)
		}
		e.finish(ctx, pc.RunFailed, runErr)
		return runErr
	default:
		if runSpan != nil {
			runSpan.SetAttr(pc.StringAttr("run_state", string(pc.RunSucceeded)))
		}
		e.finish(ctx, pc.RunSucceeded, nil)
		return nil
	}
}

// startHeartbeat renews run's lease on a ticker for as long as the run
// is in flight, so a long-running but healthy pipeline isn't reaped as
// Orphaned by a RunStore's lease expiry. The returned func stops the
// ticker and must be called once the run reaches a terminal state.
func (e *Executor) startHeartbeat(ctx context.Context, runID string) func() {
	if e.store == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(defaultHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = e.store.Heartbeat(ctx, runID)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// runDAG is the reactive scheduling loop: a step's completion is the
// only trigger that re-evaluates its dependents, so a fast step never
// waits on a slow sibling that doesn't block it.
func (e *Executor) runDAG(ctx context.Context, order []string, sem *semaphore.Weighted, cancelRun context.CancelFunc) {
	remaining := make(map[string]int, len(order))
	for _, id := range order {
		remaining[id] = len(e.distinctUpstream(id))
	}

	done := make(chan string, len(order))
	launched := make(map[string]bool, len(order))
	inflight := 0

	var launch func(id string)
	var markSkipped func(id string)

	markSkipped = func(id string) {
		e.state.mu.Lock()
		if e.state.completed[id] {
			e.state.mu.Unlock()
			return
		}
		e.state.completed[id] = true
		e.state.skipped[id] = true
		e.state.mu.Unlock()

		step, _ := e.graph.StepByID(id)
		e.recordStepRun(ctx, id, 1, pc.StepRunSkipped, nil, nil, "")
		e.publish(pc.Event{RunID: e.run.ID, StepID: id, Kind: pc.EventStepSkipped, TS: e.clock.Now(), State: string(pc.StepRunSkipped)})
		if step != nil {
			for _, conn := range e.graph.Outgoing(id) {
				e.state.mu.Lock()
				e.state.portSkipped[conn.Target] = true
				e.state.mu.Unlock()
			}
		}
		launched[id] = true
		for _, dep := range e.dependents(id) {
			if launched[dep] {
				continue
			}
			remaining[dep]--
			if remaining[dep] <= 0 {
				launch(dep)
			}
		}
	}

	launch = func(id string) {
		if launched[id] {
			return
		}
		step, ok := e.graph.StepByID(id)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			markSkipped(id)
			return
		}
		if !step.Enabled || e.requiredInputsSkipped(id) {
			markSkipped(id)
			return
		}
		launched[id] = true
		inflight++
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				e.state.mu.Lock()
				e.state.completed[id] = true
				e.state.mu.Unlock()
				done <- id
				return
			}
			defer sem.Release(1)
			e.executeStep(ctx, id, cancelRun)
			done <- id
		}()
	}

	for _, id := range order {
		if remaining[id] == 0 {
			launch(id)
		}
	}

	var grace <-chan time.Time
	for inflight > 0 {
		select {
		case id := <-done:
			inflight--
			for _, dep := range e.dependents(id) {
				if launched[dep] {
					continue
				}
				remaining[dep]--
				if remaining[dep] <= 0 {
					launch(dep)
				}
			}
		case <-ctx.Done():
			if grace == nil {
				grace = e.clock.After(defaultCancelGrace)
			}
		case <-grace:
			// In-flight steps didn't honour cancellation within the grace
			// period; stop waiting. Their goroutines still drain into the
			// buffered done channel once they do return.
			return
		}
	}
}

// distinctUpstream returns the distinct step ids feeding id's inbound
// connections (a step may take multiple inputs from the same upstream).
func (e *Executor) distinctUpstream(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range e.graph.Incoming(id) {
		if !seen[c.Source.StepID] {
			seen[c.Source.StepID] = true
			out = append(out, c.Source.StepID)
		}
	}
	return out
}

// dependents returns the distinct downstream step ids of id.
func (e *Executor) dependents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range e.graph.Outgoing(id) {
		if !seen[c.Target.StepID] {
			seen[c.Target.StepID] = true
			out = append(out, c.Target.StepID)
		}
	}
	return out
}

// requiredInputsSkipped reports whether any required input port of id is
// fed by a connection whose source resolved to skipped — the step
// itself then skips rather than running with a missing required input
// (this is also why `merge` skips when either of its two inputs does).
// Optional ports (e.g. an LLM step's system_prompt/context/variables)
// being fed by a skipped branch must not skip the step, since its
// required inputs may still be populated.
func (e *Executor) requiredInputsSkipped(id string) bool {
	incoming := e.graph.Incoming(id)
	if len(incoming) == 0 {
		return false
	}
	step, ok := e.graph.StepByID(id)
	if !ok {
		return false
	}
	inPorts, _, _ := graph.PortSpec(step.Kind)
	required := make(map[string]bool, len(inPorts))
	for _, p := range inPorts {
		if p.Required {
			required[p.Name] = true
		}
	}

	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	for _, c := range incoming {
		if !required[c.Target.Port] {
			continue
		}
		if e.state.portSkipped[c.Target] {
			return true
		}
	}
	return false
}

// executeStep resolves a step's inputs, dispatches it through the
// registry with retry/timeout handling, and writes the terminal outcome
// to the VariableStore, event bus, and run store.
func (e *Executor) executeStep(ctx context.Context, id string, cancelRun context.CancelFunc) {
	step, ok := e.graph.StepByID(id)
	if !ok {
		return
	}

	inputs := e.resolveInputs(id)
	resolver := vars.New(e.vs.Snapshot())
	resolvedConfig := resolver.ResolveValue(step.Config)
	config, _ := resolvedConfig.(map[string]any)
	if config == nil {
		config = step.Config
	}

	start := e.clock.Now()
	attempt := 1
	var lastErr error

	for {
		e.state.mu.Lock()
		e.state.attempts[id] = attempt
		e.state.totalAttempts++
		total := e.state.totalAttempts
		e.state.mu.Unlock()

		e.recordStepRun(ctx, id, attempt, pc.StepRunRunning, inputs, nil, "")
		e.publish(pc.Event{RunID: e.run.ID, StepID: id, Attempt: attempt, Kind: pc.EventStepStarted, TS: e.clock.Now(), State: string(pc.StepRunRunning)})

		stepCtx := ctx
		var stepCancel context.CancelFunc
		if step.TimeoutMS > 0 {
			stepCtx, stepCancel = context.WithTimeout(ctx, step.TimeoutMS)
		}

		var stepSpan pc.Span
		if e.tracer != nil {
			stepCtx, stepSpan = e.tracer.Start(stepCtx, "pipeline.step",
				pc.StringAttr("step_id", id), pc.StringAttr("step_kind", string(step.Kind)), pc.IntAttr("attempt", attempt))
		}

		svc := e.services
		svc.RunID, svc.StepID = e.run.ID, id
		outputs, err := e.registry.Dispatch(stepCtx, step.Kind, config, inputs, svc)

		if stepCtx.Err() != nil && err == nil {
			err = stepCtx.Err()
		}
		if stepCancel != nil {
			stepCancel()
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = &pc.TimeoutError{StepID: id}
		}
		if err != nil && stepSpan != nil {
			stepSpan.Error(err)
		}
		if stepSpan != nil {
			stepSpan.End()
		}

		if err == nil {
			duration := e.clock.Now().Sub(start)
			e.vs.SetStepOutput(id, outputs)
			e.state.mu.Lock()
			e.state.completed[id] = true
			for _, conn := range e.graph.Outgoing(id) {
				if _, populated := outputs[conn.Source.Port]; !populated {
					e.state.portSkipped[conn.Target] = true
				}
			}
			if step.Kind == pc.StepOutput {
				e.state.runOutputs[step.Name] = outputs["data"]
			}
			e.state.mu.Unlock()
			e.recordStepRun(ctx, id, attempt, pc.StepRunSucceeded, inputs, outputs, "")
			e.publish(pc.Event{RunID: e.run.ID, StepID: id, Attempt: attempt, Kind: pc.EventStepSucceeded, TS: e.clock.Now(), State: string(pc.StepRunSucceeded), Duration: duration})
			return
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}

		maxAttempts := step.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = e.opts.MaxAttemptsDefault
		}
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		budgetExhausted := e.opts.MaxTotalAttempts > 0 && total >= e.opts.MaxTotalAttempts

		if !pc.IsRetryable(err) || attempt >= maxAttempts || budgetExhausted {
			break
		}

		e.recordStepRun(ctx, id, attempt, pc.StepRunFailed, inputs, nil, err.Error())
		delay := backoffDelay(step.RetryBackoff, attempt)
		select {
		case <-e.clock.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt++
			goto terminal
		}
		attempt++
	}

terminal:
	duration := e.clock.Now().Sub(start)
	e.state.mu.Lock()
	e.state.completed[id] = true
	for _, conn := range e.graph.Outgoing(id) {
		e.state.portSkipped[conn.Target] = true
	}
	if e.state.failedStep == "" {
		e.state.failedStep = id
		e.state.runErr = lastErr
	}
	e.state.mu.Unlock()

	finalState := pc.StepRunFailed
	if errors.Is(lastErr, context.Canceled) {
		finalState = pc.StepRunCancelled
	}
	e.recordStepRun(ctx, id, attempt, finalState, inputs, nil, errMsg(lastErr))
	kind := pc.EventStepFailed
	e.publish(pc.Event{RunID: e.run.ID, StepID: id, Attempt: attempt, Kind: kind, TS: e.clock.Now(), State: string(finalState), Error: errMsg(lastErr), Duration: duration})
	cancelRun()
}

// resolveInputs builds a step's input map from the source step outputs
// recorded on the VariableStore, following each inbound connection.
// Lookups always go through the step-scoped steps.<step_id>.<port> path,
// never the bare last-writer-wins port key: multiple steps commonly
// share an output port name (e.g. every Transform/Merge/Code emits
// "result"), and two such steps dispatched concurrently would otherwise
// clobber each other's value in the bare key.
func (e *Executor) resolveInputs(id string) map[string]any {
	inputs := make(map[string]any)
	for _, c := range e.graph.Incoming(id) {
		if steps, ok := e.vs.Get("steps"); ok {
			if stepMap, ok := steps.(map[string]any)[c.Source.StepID].(map[string]any); ok {
				if v, ok := stepMap[c.Source.Port]; ok {
					inputs[c.Target.Port] = v
				}
			}
		}
	}
	if step, ok := e.graph.StepByID(id); ok && step.Kind == pc.StepInput {
		if v, ok := e.vs.Get(step.Name); ok {
			inputs["value"] = v
		}
	}
	return inputs
}

// backoffDelay computes the exponential backoff for attempt (1-based,
// the attempt that just failed), jittered to a random 50-100% of the
// capped delay, grounded on the
// exponential-backoff-with-jitter shape common across the retry
// policies in the example pack.
func backoffDelay(b pc.RetryBackoff, attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	factor := b.Factor
	if factor <= 0 {
		factor = defaultBackoffFact
	}
	capDur := b.Cap
	if capDur <= 0 {
		capDur = defaultBackoffCap
	}
	raw := float64(base) * math.Pow(factor, float64(attempt-1))
	if raw > float64(capDur) {
		raw = float64(capDur)
	}
	jittered := raw * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// finish persists the run's terminal state and emits RunFinished.
func (e *Executor) finish(ctx context.Context, state pc.RunState, runErr error) {
	finishedAt := e.clock.Now()
	msg := errMsg(runErr)
	e.state.mu.RLock()
	runOutputs := make(map[string]any, len(e.state.runOutputs))
	for k, v := range e.state.runOutputs {
		runOutputs[k] = v
	}
	e.state.mu.RUnlock()
	e.run.Outputs = runOutputs
	if e.store != nil {
		storeCtx := context.WithoutCancel(ctx)
		_ = e.store.UpdateRunState(storeCtx, e.run.ID, state, finishedAt, msg, runOutputs)
	}
	e.publish(pc.Event{RunID: e.run.ID, Kind: pc.EventRunFinished, TS: finishedAt, State: string(state), Error: msg, Outputs: runOutputs})
}

// recordStepRun writes one StepRun attempt to the store. Store errors
// are swallowed here: the executor's own in-memory state is the source
// of truth for scheduling decisions within the run, so a failed write is
// a durability gap, not a scheduling one.
func (e *Executor) recordStepRun(ctx context.Context, stepID string, attempt int, state pc.StepRunState, inputs, outputs map[string]any, errStr string) {
	if e.store == nil {
		return
	}
	sr := pc.StepRun{
		ID:      fmt.Sprintf("%s-%s-%d", e.run.ID, stepID, attempt),
		RunID:   e.run.ID,
		StepID:  stepID,
		Attempt: attempt,
		State:   state,
		Inputs:  inputs,
		Outputs: outputs,
		Error:   errStr,
	}
	if state == pc.StepRunRunning {
		sr.StartedAt = e.clock.Now()
	} else {
		sr.FinishedAt = e.clock.Now()
	}
	_ = e.store.PutStepRun(ctx, sr)
}

func (e *Executor) publish(ev pc.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

// dryRun validates the plan and resolves inputs without dispatching any
// runner, estimating per-step duration/cost from a cost table optionally
// present in each step's config (`estimated_duration_ms`,
// `estimated_cost`), and reports the totals via a single DryRunReport
// event rather than a run of StepStarted/StepSucceeded events.
func (e *Executor) dryRun(ctx context.Context) error {
	order, err := e.graph.TopoSort()
	if err != nil {
		return err
	}

	estimate := make(map[string]any, len(order))
	var totalMS float64
	var totalCost float64

	for _, id := range order {
		step, ok := e.graph.StepByID(id)
		if !ok || !step.Enabled {
			estimate[id] = map[string]any{"skipped": true}
			continue
		}
		resolver := vars.New(e.vs.Snapshot())
		resolvedConfig := resolver.ResolveValue(step.Config)
		config, _ := resolvedConfig.(map[string]any)

		durationMS := configFloat(config, "estimated_duration_ms", 100)
		cost := configFloat(config, "estimated_cost", 0)
		totalMS += durationMS
		totalCost += cost

		placeholder := map[string]any{"estimated": true}
		e.vs.SetStepOutput(id, placeholder)
		estimate[id] = map[string]any{
			"kind":                string(step.Kind),
			"estimated_duration_ms": durationMS,
			"estimated_cost":        cost,
		}
	}

	estimate["total_estimated_duration_ms"] = totalMS
	estimate["total_estimated_cost"] = totalCost

	e.publish(pc.Event{
		RunID:   e.run.ID,
		Kind:    pc.EventDryRunReport,
		TS:      e.clock.Now(),
		State:   string(pc.RunSucceeded),
		Outputs: estimate,
	})
	return nil
}

func configFloat(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
