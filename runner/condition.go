package runner

import (
	"context"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/expr"
	"github.com/nevindra/pipelinecore/vars"
)

// ConditionRunner evaluates a boolean expression and fans the pass-through
// value into true_path/false_path, letting the Executor's skip
// propagation route downstream steps.
type ConditionRunner struct{}

func (ConditionRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	condition, _ := configString(config, "condition")
	data := inputs["data"]

	lookup := func(path string) (any, bool) {
		return vars.Lookup(map[string]any{"data": data}, path)
	}
	result, err := expr.EvalBool(condition, lookup)
	if err != nil {
		return nil, &pc.TransformError{Reason: "condition: " + err.Error()}
	}

	out := map[string]any{"result": result, "value": data}
	if result {
		out["true_path"] = data
	} else {
		out["false_path"] = data
	}
	return out, nil
}
