// Package runner implements the Step Runners: one Runner per step kind,
// dispatched by a name-keyed Registry rather than a type switch in the
// Executor.
package runner

import (
	"context"
	"fmt"

	pc "github.com/nevindra/pipelinecore"
)

// Services bundles the engine-provided dependencies a Runner may need.
// Runners only see the interfaces they require; a runner that doesn't
// touch the network or the sandbox simply ignores those fields.
type Services struct {
	ModelInvoker  pc.ModelInvoker
	HTTPClient    pc.HTTPClient
	Sandbox       pc.Sandbox
	Credentials   pc.CredentialResolver
	Events        pc.EventBus
	Clock         pc.Clock
	RunID, StepID string // set per-dispatch for event attribution
}

// Runner executes one step kind given its resolved config and inputs.
// Implementations must not block past ctx cancellation.
type Runner interface {
	Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error)
}

// Registry maps a step kind to its Runner, keyed by name so the Executor
// dispatches with a single lookup.
type Registry struct {
	runners map[pc.StepKind]Runner
}

// NewRegistry builds a Registry populated with the eight built-in
// runners.
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[pc.StepKind]Runner)}
	r.Add(pc.StepLLM, &LLMRunner{})
	r.Add(pc.StepCode, &CodeRunner{})
	r.Add(pc.StepAPI, &APIRunner{})
	r.Add(pc.StepTransform, &TransformRunner{})
	r.Add(pc.StepCondition, &ConditionRunner{})
	r.Add(pc.StepMerge, &MergeRunner{})
	r.Add(pc.StepInput, &InputRunner{})
	r.Add(pc.StepOutput, &OutputRunner{})
	return r
}

// Add registers or overrides the Runner for a step kind.
func (r *Registry) Add(kind pc.StepKind, runner Runner) {
	r.runners[kind] = runner
}

// Dispatch looks up the Runner for kind and executes it.
func (r *Registry) Dispatch(ctx context.Context, kind pc.StepKind, config, inputs map[string]any, svc Services) (map[string]any, error) {
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("runner: no runner registered for step kind %q", kind)
	}
	return runner.Run(ctx, config, inputs, svc)
}

// configString reads a required string field from a step's config.
func configString(config map[string]any, key string) (string, bool) {
	v, ok := config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// configFloat reads a numeric config field, tolerating float64/int from
// decoded TOML/JSON.
func configFloat(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// configBool reads a boolean config field.
func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

// configStringMap reads a map[string]string-shaped config field (e.g.
// headers), tolerating map[string]any as decoded from JSON/TOML.
func configStringMap(config map[string]any, key string) map[string]string {
	raw, ok := config[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
