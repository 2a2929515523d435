package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	pc "github.com/nevindra/pipelinecore"
)

// Governor wraps a ModelInvoker with proactive rate limiting so bursty
// pipelines don't immediately exhaust provider quotas: calls queue
// rather than fail when the configured budget is exhausted. RPM is
// enforced with a token-bucket limiter; TPM is enforced with a sliding
// window over recorded usage, since token counts aren't known until a
// call completes.
type Governor struct {
	inner pc.ModelInvoker
	rpm   *rate.Limiter

	mu        sync.Mutex
	tpmBudget int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// NewGovernor wraps inner with an RPM/TPM budget. A zero value disables
// that dimension's enforcement.
func NewGovernor(inner pc.ModelInvoker, rpm, tpm int) *Governor {
	g := &Governor{inner: inner, tpmBudget: tpm}
	if rpm > 0 {
		g.rpm = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return g
}

func (g *Governor) Name() string { return g.inner.Name() }

func (g *Governor) Chat(ctx context.Context, req pc.ChatRequest) (pc.ChatResponse, error) {
	if err := g.wait(ctx); err != nil {
		return pc.ChatResponse{}, err
	}
	resp, err := g.inner.Chat(ctx, req)
	if err == nil {
		g.recordUsage(resp.Usage)
	}
	return resp, err
}

func (g *Governor) ChatStream(ctx context.Context, req pc.ChatRequest, ch chan<- pc.TokenChunk) (pc.ChatResponse, error) {
	if err := g.wait(ctx); err != nil {
		close(ch)
		return pc.ChatResponse{}, err
	}
	resp, err := g.inner.ChatStream(ctx, req, ch)
	if err == nil {
		g.recordUsage(resp.Usage)
	}
	return resp, err
}

func (g *Governor) wait(ctx context.Context) error {
	if g.rpm != nil {
		if err := g.rpm.Wait(ctx); err != nil {
			return err
		}
	}
	if g.tpmBudget <= 0 {
		return nil
	}
	for {
		g.mu.Lock()
		cutoff := time.Now().Add(-time.Minute)
		g.tpmWindow = pruneTpm(g.tpmWindow, cutoff)
		var total int
		for _, e := range g.tpmWindow {
			total += e.tokens
		}
		if total < g.tpmBudget {
			g.mu.Unlock()
			return nil
		}
		wait := 10 * time.Millisecond
		if len(g.tpmWindow) > 0 {
			wait = g.tpmWindow[0].at.Add(time.Minute).Sub(time.Now())
			if wait <= 0 {
				wait = 10 * time.Millisecond
			}
		}
		g.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Governor) recordUsage(u pc.Usage) {
	if g.tpmBudget <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	g.mu.Lock()
	g.tpmWindow = append(g.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	g.mu.Unlock()
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ pc.ModelInvoker = (*Governor)(nil)

// LLMRunner dispatches llm steps to a ModelInvoker, optionally wrapped
// in a Governor. It carries no provider-specific knowledge.
type LLMRunner struct{}

func (LLMRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	if svc.ModelInvoker == nil {
		return nil, fmt.Errorf("llm runner: no ModelInvoker configured")
	}
	modelID, _ := configString(config, "model_id")
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		prompt, _ = config["prompt"].(string)
	}

	var messages []pc.ChatMessage
	if sp, ok := inputs["system_prompt"].(string); ok && sp != "" {
		messages = append(messages, pc.SystemMessage(sp))
	}
	if ctxStr, ok := inputs["context"].(string); ok && ctxStr != "" {
		messages = append(messages, pc.UserMessage(ctxStr))
	}
	messages = append(messages, pc.UserMessage(prompt))

	req := pc.ChatRequest{
		ModelID:     modelID,
		Messages:    messages,
		Temperature: configFloat(config, "temperature", 0),
		TopP:        configFloat(config, "top_p", 0),
		MaxTokens:   int(configFloat(config, "max_tokens", 0)),
		Stream:      configBool(config, "stream"),
	}

	var resp pc.ChatResponse
	var err error
	if req.Stream && svc.Events != nil {
		ch := make(chan pc.TokenChunk)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range ch {
				svc.Events.Publish(pc.Event{
					RunID:   svc.RunID,
					StepID:  svc.StepID,
					Kind:    pc.EventStepStreamChunk,
					TS:      now(svc),
					Chunk:   chunk.Delta,
				})
			}
		}()
		resp, err = svc.ModelInvoker.ChatStream(ctx, req, ch)
		<-done
	} else {
		resp, err = svc.ModelInvoker.Chat(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"text":   resp.Content,
		"tokens": float64(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		"cost":   resp.Cost,
	}
	return out, nil
}

func now(svc Services) time.Time {
	if svc.Clock != nil {
		return svc.Clock.Now()
	}
	return time.Now()
}
