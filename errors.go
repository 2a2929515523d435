package pipelinecore

import (
	"errors"
	"fmt"
)

// ModelErrorKind classifies an LLM invocation failure for retry purposes.
type ModelErrorKind string

const (
	ModelErrorRateLimit  ModelErrorKind = "ratelimit"
	ModelErrorTransient  ModelErrorKind = "transient"
	ModelErrorAuth       ModelErrorKind = "auth"
	ModelErrorInvalid    ModelErrorKind = "invalid"
	ModelErrorPolicy     ModelErrorKind = "policy"
)

// ModelError is returned by a ModelInvoker on failure.
type ModelError struct {
	Provider string
	Kind     ModelErrorKind
	Message  string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error (%s/%s): %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether the LLM runner should retry this failure.
// Rate-limit and transient errors are retryable by default; auth,
// invalid-request, and content-policy errors are not.
func (e *ModelError) Retryable() bool {
	switch e.Kind {
	case ModelErrorRateLimit, ModelErrorTransient:
		return true
	default:
		return false
	}
}

// HTTPError is returned by the api runner (and the HTTP-backed sandbox
// client) on a non-2xx response or network failure.
type HTTPError struct {
	Status     int // 0 for a network-level failure (no response)
	Body       string
	Network    bool
	RetryAfter string // raw Retry-After header value, if present
}

func (e *HTTPError) Error() string {
	if e.Network {
		return fmt.Sprintf("http network error: %s", e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the call should be retried: network errors,
// 5xx, and 429 are retryable; other 4xx (except 408) are not.
func (e *HTTPError) Retryable() bool {
	if e.Network {
		return true
	}
	if e.Status == 408 || e.Status == 429 {
		return true
	}
	return e.Status >= 500
}

// SandboxErrorKind classifies a code-runner failure.
type SandboxErrorKind string

const (
	SandboxErrorTimeout   SandboxErrorKind = "timeout"
	SandboxErrorOOM       SandboxErrorKind = "oom"
	SandboxErrorException SandboxErrorKind = "exception"
	SandboxErrorPolicy    SandboxErrorKind = "policy"
)

// SandboxError is returned by a Sandbox implementation on failure.
type SandboxError struct {
	Kind    SandboxErrorKind
	Message string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox error (%s): %s", e.Kind, e.Message)
}

// Retryable is always false: timeout, oom, exception, and policy
// violations are all non-retryable by default.
func (e *SandboxError) Retryable() bool { return false }

// TransformError is returned by the transform runner; never retryable.
type TransformError struct {
	Reason string
}

func (e *TransformError) Error() string        { return "transform error: " + e.Reason }
func (e *TransformError) Retryable() bool      { return false }

// TemplateRenderError is returned by the Variable Resolver when a
// template resolves to invalid JSON in a JSON context.
type TemplateRenderError struct {
	Template string
	Reason   string
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("template render error in %q: %s", e.Template, e.Reason)
}
func (e *TemplateRenderError) Retryable() bool { return false }

// TimeoutError is raised when a step's per-attempt context deadline
// expires. Retryable per-kind, default yes (the executor's retry policy
// decides based on the wrapped step kind).
type TimeoutError struct {
	StepID string
}

func (e *TimeoutError) Error() string   { return fmt.Sprintf("step %s timed out", e.StepID) }
func (e *TimeoutError) Retryable() bool { return true }

// CancelledError marks a StepRun that ended because the run was cancelled.
// Never retryable.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string   { return fmt.Sprintf("run %s cancelled", e.RunID) }
func (e *CancelledError) Retryable() bool { return false }

// StoreError wraps a Run Store failure. Retryable with bounded backoff
// in the executor.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string   { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error   { return e.Err }
func (e *StoreError) Retryable() bool { return true }

// OrphanedError marks a run the reaper reclaimed because its executor
// lease expired before a terminal state was persisted. Never retryable.
type OrphanedError struct {
	RunID string
}

func (e *OrphanedError) Error() string   { return fmt.Sprintf("run %s orphaned: lease expired", e.RunID) }
func (e *OrphanedError) Retryable() bool { return false }

// retryableError is implemented by every typed error above; the executor
// uses errors.As against this interface to decide whether to retry a
// failed StepRun.
type retryableError interface {
	error
	Retryable() bool
}

var (
	_ retryableError = (*ModelError)(nil)
	_ retryableError = (*HTTPError)(nil)
	_ retryableError = (*SandboxError)(nil)
	_ retryableError = (*TransformError)(nil)
	_ retryableError = (*TemplateRenderError)(nil)
	_ retryableError = (*TimeoutError)(nil)
	_ retryableError = (*CancelledError)(nil)
	_ retryableError = (*StoreError)(nil)
	_ retryableError = (*OrphanedError)(nil)
)

// IsRetryable reports whether err is a typed engine error marked
// retryable. A non-typed error defaults to non-retryable.
func IsRetryable(err error) bool {
	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
