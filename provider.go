package pipelinecore

import "context"

// ModelInvoker abstracts the LLM backend consumed by the llm runner.
// The engine carries no provider-specific knowledge: the runner builds
// a provider-agnostic ChatRequest and the invoker maps it onto whichever
// backend it wraps.
type ModelInvoker interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams incremental chunks into ch, then returns the
	// final response. ch is closed by the invoker when streaming ends,
	// on success or failure.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- TokenChunk) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic"), used
	// for error attribution and metrics.
	Name() string
}
