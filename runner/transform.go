package runner

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/expr"
	"github.com/nevindra/pipelinecore/vars"
)

// TransformRunner implements the extract/filter/format/aggregate/custom
// data-shaping step.
type TransformRunner struct{}

func (TransformRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	kind, _ := configString(config, "type")
	data := inputs["data"]

	switch kind {
	case "extract":
		return transformExtract(config, data)
	case "filter":
		return transformFilter(config, data)
	case "format":
		return transformFormat(config, data)
	case "aggregate":
		return transformAggregate(data)
	case "custom":
		return transformCustom(config, data, svc)
	default:
		return nil, &pc.TransformError{Reason: "unknown transform type: " + kind}
	}
}

type mapping struct {
	Source, Target, Mode string
}

func parseMappings(config map[string]any) []mapping {
	raw, _ := config["mappings"].([]any)
	out := make([]mapping, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		mode, _ := m["mode"].(string)
		if mode == "" {
			mode = "direct"
		}
		src, _ := m["source"].(string)
		tgt, _ := m["target"].(string)
		out = append(out, mapping{Source: src, Target: tgt, Mode: mode})
	}
	return out
}

func transformExtract(config map[string]any, data any) (map[string]any, error) {
	mappings := parseMappings(config)
	apply := func(item any) any {
		record, _ := item.(map[string]any)
		out := make(map[string]any, len(mappings))
		for _, m := range mappings {
			switch m.Mode {
			case "direct":
				v, _ := vars.Lookup(map[string]any{"data": record}, "data."+m.Source)
				out[m.Target] = v
			case "expression":
				lookup := func(path string) (any, bool) {
					return vars.Lookup(map[string]any{"data": record}, "data."+path)
				}
				v, err := expr.Eval(m.Source, lookup)
				if err == nil {
					out[m.Target] = v
				}
			case "function":
				out[m.Target] = applyFunctionMapping(m.Source, record)
			}
		}
		return out
	}

	if arr, ok := data.([]any); ok {
		result := make([]any, len(arr))
		for i, item := range arr {
			result[i] = apply(item)
		}
		return map[string]any{"result": result}, nil
	}
	return map[string]any{"result": apply(data)}, nil
}

func applyFunctionMapping(name string, record map[string]any) any {
	switch name {
	case "len":
		return float64(len(record))
	default:
		return nil
	}
}

type filterCondition struct {
	Field, Op string
	Value     any
}

func parseConditions(config map[string]any) []filterCondition {
	raw, _ := config["conditions"].([]any)
	out := make([]filterCondition, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		field, _ := m["field"].(string)
		op, _ := m["op"].(string)
		out = append(out, filterCondition{Field: field, Op: op, Value: m["value"]})
	}
	return out
}

func transformFilter(config map[string]any, data any) (map[string]any, error) {
	arr, ok := data.([]any)
	if !ok {
		return nil, &pc.TransformError{Reason: "filter: data is not an array"}
	}
	conditions := parseConditions(config)
	var kept []any
	for _, item := range arr {
		record, _ := item.(map[string]any)
		if matchesAll(record, conditions) {
			kept = append(kept, item)
		}
	}
	return map[string]any{"result": kept}, nil
}

func matchesAll(record map[string]any, conditions []filterCondition) bool {
	for _, c := range conditions {
		if !matchesOne(record[c.Field], c.Op, c.Value) {
			return false
		}
	}
	return true
}

func matchesOne(actual any, op string, expected any) bool {
	as := toComparable(actual)
	es := toComparable(expected)
	switch op {
	case "eq":
		return as == es
	case "ne":
		return as != es
	case "gt", "lt", "gte", "lte":
		af, aok := toFloat(actual)
		ef, eok := toFloat(expected)
		if !aok || !eok {
			return false
		}
		switch op {
		case "gt":
			return af > ef
		case "lt":
			return af < ef
		case "gte":
			return af >= ef
		case "lte":
			return af <= ef
		}
	case "contains":
		return strings.Contains(as, es)
	case "startswith":
		return strings.HasPrefix(as, es)
	case "endswith":
		return strings.HasSuffix(as, es)
	case "regex":
		re, err := regexp.Compile(es)
		if err != nil {
			return false
		}
		return re.MatchString(as)
	}
	return false
}

func toComparable(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strconv.FormatFloat(mustFloat(v), 'f', -1, 64)
	}
}

func mustFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func transformFormat(config map[string]any, data any) (map[string]any, error) {
	template, _ := configString(config, "template")
	snapshot := map[string]any{"data": data}
	r := vars.New(snapshot)
	rendered := r.ResolveString(template)

	if outputFormat, _ := configString(config, "output_format"); outputFormat == "html" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(rendered), &buf); err != nil {
			return nil, &pc.TransformError{Reason: "format: markdown conversion failed: " + err.Error()}
		}
		rendered = buf.String()
	}
	return map[string]any{"result": rendered}, nil
}

func transformAggregate(data any) (map[string]any, error) {
	arr, ok := data.([]any)
	if !ok {
		return map[string]any{"result": map[string]any{"count": 0, "items": []any{}}}, nil
	}
	return map[string]any{"result": map[string]any{"count": float64(len(arr)), "items": arr}}, nil
}

func transformCustom(config map[string]any, data any, svc Services) (map[string]any, error) {
	expression, _ := configString(config, "expression")
	lookup := func(path string) (any, bool) {
		return vars.Lookup(map[string]any{"data": data}, path)
	}
	v, err := expr.Eval(expression, lookup)
	if err != nil {
		return nil, &pc.TransformError{Reason: "custom: " + err.Error()}
	}
	return map[string]any{"result": v}, nil
}
