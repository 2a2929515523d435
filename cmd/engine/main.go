// Command engine is a reference host for the pipeline execution engine.
//
// It wires configuration, a run store, an event bus, and OTEL
// observability into a pipelinecore.Engine, starts the lease reaper on
// a ticker, and, when ENGINE_DEMO=1, submits one demo pipeline so an
// operator can see a run complete end to end. Production hosts embed pipelinecore.Engine
// directly and drive SubmitRun from their own API surface; this command
// exists to prove the wiring, not to be a complete server.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/eventbus"
	"github.com/nevindra/pipelinecore/internal/config"
	"github.com/nevindra/pipelinecore/observability"
	"github.com/nevindra/pipelinecore/sandbox"
	"github.com/nevindra/pipelinecore/store/memstore"
	"github.com/nevindra/pipelinecore/store/postgres"
	"github.com/nevindra/pipelinecore/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("ENGINE_CONFIG_PATH")
	cfg := config.Load(cfgPath)
	logger := slog.Default()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("engine: open store: %v", err)
	}
	defer closeStore()

	sb, err := openSandbox(cfg)
	if err != nil {
		log.Fatalf("engine: open sandbox: %v", err)
	}

	bus := eventbus.New(cfg.EventBus.QueueDepth)

	opts := []pc.Option{
		pc.WithRunStore(store),
		pc.WithEventBus(bus),
		pc.WithSandbox(sb),
		pc.WithLogger(logger),
		pc.WithRunDefaults(pc.RunOptions{
			Concurrency:        cfg.Server.WorkerPoolDefault,
			RunTimeoutMS:       time.Duration(cfg.Server.RunMaxLifetimeSecs) * time.Second,
			MaxAttemptsDefault: 1,
		}),
	}

	var shutdownObs func(context.Context) error
	if cfg.Observer.Enabled {
		inst, shutdown, err := observability.Init(ctx)
		if err != nil {
			log.Fatalf("engine: observability init: %v", err)
		}
		shutdownObs = shutdown
		opts = append(opts, pc.WithTracer(observability.NewTracer(inst.Tracer)))
		unsubMeter := observability.SubscribeMeter(bus, inst)
		defer unsubMeter()
	}

	eng := pc.New(opts...)

	go eng.RunReaper(ctx, time.Minute)

	if os.Getenv("ENGINE_DEMO") == "1" {
		runDemo(ctx, eng, logger)
	}

	<-ctx.Done()
	logger.Info("engine: shutting down")

	if shutdownObs != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(shutCtx); err != nil {
			logger.Error("engine: observability shutdown", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config) (pc.RunStore, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st := sqlite.New(cfg.Store.SQLitePath)
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		st := memstore.New(cfg.RetainForDuration())
		return st, st.Close, nil
	}
}

func openSandbox(cfg config.Config) (pc.Sandbox, error) {
	if cfg.Sandbox.Kind == "docker" {
		return sandbox.NewDockerSandbox()
	}
	return sandbox.NewHTTPSandbox(cfg.Sandbox.HTTPURL), nil
}

// runDemo submits a three-step input/transform/output pipeline and logs
// its terminal state. It exists so `ENGINE_DEMO=1 go run ./cmd/engine`
// has something to show; real hosts never call this.
func runDemo(ctx context.Context, eng *pc.Engine, logger *slog.Logger) {
	pipeline := pc.Pipeline{
		ID: "demo",
		Steps: []pc.Step{
			{ID: "in", Name: "in", Kind: pc.StepInput, Enabled: true, MaxAttempts: 1},
			{ID: "xform", Name: "xform", Kind: pc.StepTransform, Enabled: true, MaxAttempts: 1,
				Config: map[string]any{"type": "custom", "expression": "data"}},
			{ID: "out", Name: "out", Kind: pc.StepOutput, Enabled: true, MaxAttempts: 1},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "in", Port: "value"}, Target: pc.PortRef{StepID: "xform", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "xform", Port: "result"}, Target: pc.PortRef{StepID: "out", Port: "data"}},
		},
	}
	runID, err := eng.SubmitRun(ctx, pipeline, map[string]any{"in": "hello from the demo pipeline"}, pc.RunOptions{})
	if err != nil {
		logger.Error("demo run failed to submit", "error", err)
		return
	}

	// SubmitRun only guarantees the pipeline is valid, not that the run
	// row exists yet — it's created by the background goroutine. Wait on
	// the run's own topic for EventRunFinished rather than polling.
	events, unsubscribe := eng.Subscribe("run:" + runID)
	defer unsubscribe()

waitForFinish:
	for {
		select {
		case ev := <-events:
			if ev.Kind == pc.EventRunFinished {
				break waitForFinish
			}
		case <-ctx.Done():
			logger.Warn("demo run: context done before completion")
			return
		}
	}

	run, err := eng.GetRun(ctx, runID)
	if err != nil {
		logger.Error("demo run fetch failed", "error", err)
		return
	}
	logger.Info("demo run finished", "run_id", runID, "state", run.State, "outputs", run.Outputs)
}
