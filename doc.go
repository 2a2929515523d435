// Package pipelinecore is a pipeline execution engine for a multi-provider
// AI orchestration platform. It accepts a user-authored DAG of
// heterogeneous steps (LLM calls, sandboxed code, HTTP calls, data
// transforms, conditionals, merges), validates it, plans a
// dependency-ordered and concurrency-bounded execution, dispatches each
// step to the runner matching its kind, persists a durable execution
// record, and fans out live status over an in-process event bus.
//
// # Quick Start
//
// Build an Engine by composing implementations of the core interfaces:
//
//	eng := pipelinecore.New(
//		pipelinecore.WithRunStore(sqlite.New("engine.db")),
//		pipelinecore.WithEventBus(eventbus.New(0)),
//		pipelinecore.WithModelInvoker(myInvoker),
//		pipelinecore.WithSandbox(sandbox.NewHTTPSandbox("http://sandbox:9000")),
//	)
//	runID, err := eng.SubmitRun(ctx, pipeline, initialVars, pipelinecore.RunOptions{})
//
// # Core Interfaces
//
// The root package defines the contracts consumed by the engine:
//
//   - [ModelInvoker] — LLM backend invocation (chat, streaming)
//   - [HTTPClient] — outbound HTTP for the api runner
//   - [Sandbox] — out-of-process user code execution
//   - [CredentialResolver] — opaque credential reference resolution
//   - [RunStore] — durable persistence of pipelines/runs/step-runs/logs
//   - [EventBus] — in-process pub/sub of run and step events
//   - [Clock] — injectable time source for deterministic tests
//
// # Included Implementations
//
// Storage: store/sqlite (pure-Go, single process), store/postgres
// (connection-pooled, multi-instance). Sandboxes: sandbox (HTTP-backed and
// Docker-backed). Observability: observability (OpenTelemetry).
//
// See cmd/engine for a reference host.
package pipelinecore
