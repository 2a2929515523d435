// Package sandbox provides Sandbox implementations for the code runner:
// an HTTP client that POSTs to a remote sandbox service, and a
// Docker-backed client that runs code in a throwaway container. Neither
// executes user code in-process.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pc "github.com/nevindra/pipelinecore"
)

// HTTPSandbox executes code by POSTing to a remote sandbox service.
// Pipeline code steps are pure data transforms: there is no tool-dispatch
// callback channel, just a request and a result.
type HTTPSandbox struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPSandbox builds an HTTPSandbox that POSTs to baseURL (e.g.
// "http://sandbox:9000").
func NewHTTPSandbox(baseURL string) *HTTPSandbox {
	return &HTTPSandbox{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{},
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
	}
}

type execRequest struct {
	Language    string         `json:"language"`
	Code        string         `json:"code"`
	Env         map[string]any `json:"env,omitempty"`
	TimeoutSecs int            `json:"timeout_secs"`
	MemoryMB    int            `json:"memory_mb,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

type execResponse struct {
	Result any      `json:"result"`
	Logs   []string `json:"logs,omitempty"`
	Errors []string `json:"errors,omitempty"`
	Kind   string   `json:"error_kind,omitempty"` // "timeout"|"oom"|"exception"|"policy"
	Error  string   `json:"error,omitempty"`
}

func (s *HTTPSandbox) Execute(ctx context.Context, req pc.CodeRequest) (pc.CodeResult, error) {
	timeout := req.Limits.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(execRequest{
		Language:    req.Language,
		Code:        req.Code,
		Env:         req.Env,
		TimeoutSecs: int(timeout.Seconds()),
		MemoryMB:    req.Limits.MemoryMB,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return pc.CodeResult{}, fmt.Errorf("sandbox: marshal request: %w", err)
	}

	resp, err := s.doExecute(ctx, body)
	if err != nil {
		return pc.CodeResult{}, err
	}
	if resp.Kind != "" {
		return pc.CodeResult{}, &pc.SandboxError{Kind: pc.SandboxErrorKind(resp.Kind), Message: resp.Error}
	}
	return pc.CodeResult{Result: resp.Result, Logs: resp.Logs, Errors: resp.Errors}, nil
}

func (s *HTTPSandbox) doExecute(ctx context.Context, body []byte) (execResponse, error) {
	var lastErr error
	delay := s.retryDelay
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return execResponse{}, ctx.Err()
			}
		}
		resp, err := s.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return execResponse{}, err
		}
		lastErr = err
	}
	return execResponse{}, fmt.Errorf("sandbox unreachable after %d attempts: %w", s.maxRetries, lastErr)
}

func (s *HTTPSandbox) doOnce(ctx context.Context, body []byte) (execResponse, error) {
	url := s.baseURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return execResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return execResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return execResponse{}, fmt.Errorf("sandbox: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return execResponse{}, &serverError{code: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return execResponse{}, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, respBody)
	}

	var result execResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return execResponse{}, fmt.Errorf("sandbox: parse response: %w", err)
	}
	return result, nil
}

type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("sandbox returned %d: %s", e.code, e.body)
}

func isTransient(err error) bool {
	if _, ok := err.(*serverError); ok {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

var _ pc.Sandbox = (*HTTPSandbox)(nil)
