package runner

import (
	"context"

	pc "github.com/nevindra/pipelinecore"
)

// MergeRunner combines two inputs per a configured strategy. Both inputs
// must be populated: if either was skipped upstream, the Executor never
// dispatches this step (merge itself skips rather than proceeding with a
// partial merge).
type MergeRunner struct{}

func (MergeRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	strategy, _ := configString(config, "strategy")
	if strategy == "" {
		strategy = "object_merge"
	}
	data1 := inputs["data1"]
	data2 := inputs["data2"]

	switch strategy {
	case "object_merge":
		return map[string]any{"result": deepMerge(data1, data2)}, nil
	case "concat":
		return map[string]any{"result": concatValues(data1, data2)}, nil
	case "first_non_null":
		if data1 != nil {
			return map[string]any{"result": data1}, nil
		}
		return map[string]any{"result": data2}, nil
	case "zip":
		return map[string]any{"result": zipValues(data1, data2)}, nil
	default:
		return nil, &pc.TransformError{Reason: "merge: unknown strategy: " + strategy}
	}
}

// deepMerge merges two map trees favouring b's values on key conflicts.
func deepMerge(a, b any) any {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		if b != nil {
			return b
		}
		return a
	}
	out := make(map[string]any, len(am)+len(bm))
	for k, v := range am {
		out[k] = v
	}
	for k, v := range bm {
		if existing, ok := out[k]; ok {
			out[k] = deepMerge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

func concatValues(a, b any) any {
	aArr, aIsArr := a.([]any)
	bArr, bIsArr := b.([]any)
	if aIsArr || bIsArr {
		out := append(append([]any{}, aArr...), bArr...)
		return out
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as + bs
}

func zipValues(a, b any) any {
	aArr, _ := a.([]any)
	bArr, _ := b.([]any)
	n := len(aArr)
	if len(bArr) < n {
		n = len(bArr)
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = []any{aArr[i], bArr[i]}
	}
	return out
}
