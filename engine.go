package pipelinecore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nevindra/pipelinecore/executor"
	"github.com/nevindra/pipelinecore/eventbus"
	"github.com/nevindra/pipelinecore/graph"
	"github.com/nevindra/pipelinecore/runner"
)

// Engine wires the graph planner, step registry, executor, run store,
// and event bus into the single entry point a host application embeds.
// Built with New and a set of Option funcs over a core struct.
type Engine struct {
	store    RunStore
	bus      EventBus
	registry *runner.Registry
	services runner.Services
	clock    Clock
	tracer   Tracer
	logger   *slog.Logger

	defaultOpts RunOptions

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRunStore sets the durable persistence backend. Required: SubmitRun
// returns an error if none is configured.
func WithRunStore(s RunStore) Option { return func(e *Engine) { e.store = s } }

// WithEventBus sets the pub/sub bus used for live status fan-out. If
// omitted, New builds an in-process eventbus.Bus with a default queue
// depth.
func WithEventBus(b EventBus) Option { return func(e *Engine) { e.bus = b } }

// WithModelInvoker sets the LLM backend used by llm-kind steps.
func WithModelInvoker(m ModelInvoker) Option { return func(e *Engine) { e.services.ModelInvoker = m } }

// WithSandbox sets the out-of-process code execution backend used by
// code-kind steps.
func WithSandbox(s Sandbox) Option { return func(e *Engine) { e.services.Sandbox = s } }

// WithHTTPClient sets the outbound HTTP client used by api-kind steps.
// Defaults to http.DefaultClient if never set.
func WithHTTPClient(c HTTPClient) Option { return func(e *Engine) { e.services.HTTPClient = c } }

// WithCredentialResolver sets the resolver runners use to turn an opaque
// credential reference into a usable secret.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(e *Engine) { e.services.Credentials = r }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithTracer attaches a Tracer; every StepRun attempt and the run itself
// each get a span when set.
func WithTracer(t Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithLogger overrides the engine's structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRunDefaults sets the RunOptions applied when SubmitRun is called
// with a zero-value RunOptions.
func WithRunDefaults(opts RunOptions) Option { return func(e *Engine) { e.defaultOpts = opts } }

// New builds an Engine. The step registry is pre-populated with every
// built-in runner kind (llm, code, api, transform, condition, merge,
// input, output); callers only need to supply the backends those
// runners dispatch to (ModelInvoker, Sandbox, HTTPClient).
func New(opts ...Option) *Engine {
	e := &Engine{
		registry: runner.NewRegistry(),
		clock:    SystemClock,
		logger:   slog.Default(),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = eventbus.New(0)
	}
	if e.services.HTTPClient == nil {
		e.services.HTTPClient = http.DefaultClient
	}
	e.services.Clock = e.clock
	e.services.Events = e.bus
	return e
}

// SubmitRun validates pipeline into a graph and starts executing it in
// the background, returning run.ID as soon as the pipeline is known
// valid — submission is synchronous, completion is not (callers poll
// GetRun or Subscribe for the terminal state). Invalid pipelines never
// produce a Run row and are reported as an error here.
func (e *Engine) SubmitRun(ctx context.Context, pipeline Pipeline, initialVars map[string]any, opts RunOptions) (string, error) {
	if e.store == nil {
		return "", fmt.Errorf("engine: no RunStore configured")
	}
	g, err := graph.New(pipeline)
	if err != nil {
		return "", fmt.Errorf("engine: invalid pipeline: %w", err)
	}
	if res := graph.Validate(g); !res.Valid {
		errs := make([]error, len(res.Errors))
		for i, ve := range res.Errors {
			errs[i] = ve
		}
		return "", fmt.Errorf("engine: invalid pipeline: %w", errors.Join(errs...))
	}
	if opts == (RunOptions{}) {
		opts = e.defaultOpts
	}

	run := Run{
		ID:               NewID(),
		PipelineID:       pipeline.ID,
		PipelineSnapshot: pipeline,
		State:            RunPending,
		InitialVariables: initialVars,
		StartedAt:        e.clock.Now(),
		DryRun:           opts.DryRun,
		CreatedBy:        opts.CreatedBy,
	}

	// The run must outlive the caller's ctx — SubmitRun returns long
	// before the pipeline finishes — so it gets its own cancellation
	// scope, detached from ctx except for inheriting no deadline of its
	// own. Cancel looks this up by run id to stop the in-flight executor.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	ex := executor.New(g, e.registry, e.store, e.bus, e.services, e.clock)
	if e.tracer != nil {
		ex.WithTracer(e.tracer)
	}

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, run.ID)
			e.mu.Unlock()
			cancel()
		}()
		if err := ex.Run(runCtx, run, opts); err != nil {
			e.logger.Error("run finished with error", "run_id", run.ID, "error", err)
		}
	}()

	return run.ID, nil
}

// GetRun returns the current persisted state of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (Run, error) {
	if e.store == nil {
		return Run{}, fmt.Errorf("engine: no RunStore configured")
	}
	return e.store.GetRun(ctx, runID)
}

// ListStepRuns returns every recorded attempt for every step of runID.
func (e *Engine) ListStepRuns(ctx context.Context, runID string) ([]StepRun, error) {
	if e.store == nil {
		return nil, fmt.Errorf("engine: no RunStore configured")
	}
	return e.store.ListStepRuns(ctx, runID)
}

// Subscribe opens a channel of events matching topic ("run:<id>",
// "step:<run_id>:<step_id>", or a "*"-suffixed wildcard). The returned
// func unsubscribes and must be called to release the channel.
func (e *Engine) Subscribe(topic string) (<-chan Event, func()) {
	return e.bus.Subscribe(topic)
}

// Cancel stops an in-flight run: it invokes the context.CancelFunc
// stored for runID by SubmitRun, which unwinds the executor's
// goroutine. The executor's own finish() then persists the terminal
// RunCancelled state, so Cancel itself never writes to the store —
// doing so here would race the executor's write and could be clobbered
// by it. A runID with no stored cancel func has already reached a
// terminal state (or never existed here); either way there is nothing
// to stop, so that case is not an error.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Reap scans the RunStore for runs whose executor lease expired while
// still `running` — the owning process crashed or was killed without
// reaching a terminal state — and marks them Failed with an
// OrphanedError, so they stop appearing as in-flight work. Intended to
// be called on a ticker (see cmd/engine).
func (e *Engine) Reap(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, fmt.Errorf("engine: no RunStore configured")
	}
	expired, err := e.store.ListExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	for _, run := range expired {
		orphanErr := &OrphanedError{RunID: run.ID}
		if err := e.store.UpdateRunState(ctx, run.ID, RunFailed, e.clock.Now(), orphanErr.Error(), nil); err != nil {
			e.logger.Error("reaper: failed to mark run orphaned", "run_id", run.ID, "error", err)
			continue
		}
		e.bus.Publish(Event{RunID: run.ID, Kind: EventRunFinished, TS: e.clock.Now(), State: string(RunFailed), Error: orphanErr.Error()})
	}
	return len(expired), nil
}

// RunReaper runs Reap on interval until ctx is done.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Reap(ctx); err != nil {
				e.logger.Error("reaper tick failed", "error", err)
			} else if n > 0 {
				e.logger.Info("reaper reclaimed orphaned runs", "count", n)
			}
		}
	}
}
