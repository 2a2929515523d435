package graph

import (
	"fmt"
	"net/url"
	"strings"

	pc "github.com/nevindra/pipelinecore"
	"github.com/nevindra/pipelinecore/expr"
)

// ValidationError is one distinct, named validation failure.
// ValidationError itself is never retryable and is surfaced synchronously
// to the submitter — it never produces a Run row.
type ValidationError struct {
	Code   string // e.g. "CycleDetected", "UnboundRequiredInput"
	StepID string
	Port   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.StepID != "" {
		fmt.Fprintf(&b, " step=%s", e.StepID)
	}
	if e.Port != "" {
		fmt.Fprintf(&b, " port=%s", e.Port)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Retryable() bool { return false }

// ValidationWarning is a non-fatal observation recorded alongside a
// valid result (isolated step, disabled step, suspicious code pattern).
type ValidationWarning struct {
	StepID string
	Reason string
}

// Result is the outcome of Validate.
type Result struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []ValidationWarning
}

// portSpecs declares the input/output ports each step kind exposes. The
// Validator and the Executor's readiness computation share this table.
var portSpecs = map[pc.StepKind]struct {
	Inputs  []pc.Port
	Outputs []pc.Port
}{
	pc.StepLLM: {
		Inputs: []pc.Port{
			{Name: "prompt", Kind: pc.PortText, Required: true},
			{Name: "system_prompt", Kind: pc.PortText},
			{Name: "context", Kind: pc.PortText},
			{Name: "variables", Kind: pc.PortJSON},
		},
		Outputs: []pc.Port{
			{Name: "text", Kind: pc.PortText},
			{Name: "json", Kind: pc.PortJSON},
			{Name: "tokens", Kind: pc.PortNumber},
			{Name: "cost", Kind: pc.PortNumber},
		},
	},
	pc.StepCode: {
		Inputs: []pc.Port{
			{Name: "code", Kind: pc.PortText, Required: true},
			{Name: "variables", Kind: pc.PortJSON},
			{Name: "input_data", Kind: pc.PortAny},
		},
		Outputs: []pc.Port{
			{Name: "result", Kind: pc.PortAny},
			{Name: "logs", Kind: pc.PortArray},
			{Name: "errors", Kind: pc.PortArray},
		},
	},
	pc.StepAPI: {
		Inputs: []pc.Port{
			{Name: "url", Kind: pc.PortText, Required: true},
			{Name: "method", Kind: pc.PortText, Required: true},
			{Name: "headers", Kind: pc.PortJSON},
			{Name: "body", Kind: pc.PortAny},
			{Name: "auth", Kind: pc.PortJSON},
		},
		Outputs: []pc.Port{
			{Name: "response", Kind: pc.PortJSON},
			{Name: "status", Kind: pc.PortNumber},
			{Name: "headers", Kind: pc.PortJSON},
		},
	},
	pc.StepTransform: {
		Inputs: []pc.Port{
			{Name: "data", Kind: pc.PortAny, Required: true},
		},
		Outputs: []pc.Port{
			{Name: "result", Kind: pc.PortAny},
		},
	},
	pc.StepCondition: {
		Inputs: []pc.Port{
			{Name: "data", Kind: pc.PortAny},
			{Name: "condition", Kind: pc.PortText, Required: true},
		},
		Outputs: []pc.Port{
			{Name: "result", Kind: pc.PortBoolean},
			{Name: "value", Kind: pc.PortAny},
			{Name: "true_path", Kind: pc.PortAny},
			{Name: "false_path", Kind: pc.PortAny},
		},
	},
	pc.StepMerge: {
		Inputs: []pc.Port{
			{Name: "data1", Kind: pc.PortAny, Required: true},
			{Name: "data2", Kind: pc.PortAny, Required: true},
			{Name: "strategy", Kind: pc.PortText},
		},
		Outputs: []pc.Port{
			{Name: "result", Kind: pc.PortAny},
		},
	},
	pc.StepInput: {
		Outputs: []pc.Port{
			{Name: "value", Kind: pc.PortAny},
		},
	},
	pc.StepOutput: {
		Inputs: []pc.Port{
			{Name: "data", Kind: pc.PortAny, Required: true},
		},
	},
}

// PortSpec returns the declared input/output ports for a step kind.
func PortSpec(kind pc.StepKind) (inputs, outputs []pc.Port, ok bool) {
	spec, ok := portSpecs[kind]
	return spec.Inputs, spec.Outputs, ok
}

// assignable implements the port type-compatibility matrix.
func assignable(from, to pc.PortKind) bool {
	if from == pc.PortAny || to == pc.PortAny {
		return true
	}
	if from == to {
		return true
	}
	switch from {
	case pc.PortText:
		return to == pc.PortJSON || to == pc.PortNumber || to == pc.PortBoolean
	case pc.PortNumber, pc.PortBoolean, pc.PortArray, pc.PortJSON:
		return to == pc.PortText
	}
	return false
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

var validTransformTypes = map[string]bool{
	"extract": true, "filter": true, "format": true, "aggregate": true, "custom": true,
}

// Validate runs the full check suite against g.
func Validate(g *Graph) Result {
	var res Result
	res.Valid = true

	addErr := func(e *ValidationError) {
		res.Valid = false
		res.Errors = append(res.Errors, e)
	}

	// 1. Acyclicity.
	if _, err := g.TopoSort(); err != nil {
		if cyc, ok := err.(*CycleDetectedError); ok {
			addErr(&ValidationError{Code: "CycleDetected", Reason: fmt.Sprintf("%v", cyc.StepIDs)})
		}
	}

	outputNames := make(map[string]int) // enabled output step name -> count

	for _, id := range g.StepIDs() {
		step, _ := g.StepByID(id)
		inPorts, _, known := PortSpec(step.Kind)
		if !known {
			addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "kind", Reason: "unknown step kind " + string(step.Kind)})
			continue
		}

		if !step.Enabled {
			res.Warnings = append(res.Warnings, ValidationWarning{StepID: id, Reason: "disabled step"})
		}
		if len(g.Incoming(id)) == 0 && len(g.Outgoing(id)) == 0 && step.Kind != pc.StepInput {
			res.Warnings = append(res.Warnings, ValidationWarning{StepID: id, Reason: "isolated step"})
		}

		// 2 & 5: required inputs bound, no duplicate target ports.
		seenTarget := make(map[string]bool)
		for _, c := range g.Incoming(id) {
			if seenTarget[c.Target.Port] {
				addErr(&ValidationError{Code: "DuplicateInboundConnection", StepID: id, Port: c.Target.Port})
			}
			seenTarget[c.Target.Port] = true
		}
		for _, p := range inPorts {
			if !p.Required {
				continue
			}
			if seenTarget[p.Name] {
				continue
			}
			if _, ok := step.Config[p.Name]; ok {
				continue
			}
			addErr(&ValidationError{Code: "UnboundRequiredInput", StepID: id, Port: p.Name})
		}

		// 3. Port type compatibility.
		for _, c := range g.Incoming(id) {
			srcStep, ok := g.StepByID(c.Source.StepID)
			if !ok {
				continue
			}
			_, srcOutputs, _ := PortSpec(srcStep.Kind)
			var srcKind pc.PortKind = pc.PortAny
			for _, p := range srcOutputs {
				if p.Name == c.Source.Port {
					srcKind = p.Kind
					break
				}
			}
			var dstKind pc.PortKind = pc.PortAny
			for _, p := range inPorts {
				if p.Name == c.Target.Port {
					dstKind = p.Kind
					break
				}
			}
			if !assignable(srcKind, dstKind) {
				addErr(&ValidationError{Code: "TypeMismatch", StepID: id, Port: c.Target.Port,
					Reason: fmt.Sprintf("%s not assignable to %s", srcKind, dstKind)})
			}
		}

		// 4. Per-kind config.
		switch step.Kind {
		case pc.StepLLM:
			if s, _ := step.Config["model_id"].(string); s == "" {
				addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "model_id", Reason: "required"})
			}
			if _, hasConn := seenTarget["prompt"]; !hasConn {
				if s, _ := step.Config["prompt"].(string); s == "" {
					addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "prompt", Reason: "required"})
				}
			}
		case pc.StepAPI:
			raw, _ := step.Config["url"].(string)
			if _, hasConn := seenTarget["url"]; !hasConn {
				if raw == "" {
					addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "url", Reason: "required"})
				} else if _, err := url.Parse(raw); err != nil {
					addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "url", Reason: "not parseable"})
				}
			}
			method, _ := step.Config["method"].(string)
			if _, hasConn := seenTarget["method"]; !hasConn {
				if !validMethods[strings.ToUpper(method)] {
					addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "method", Reason: "unsupported method"})
				}
			}
		case pc.StepCode:
			code, _ := step.Config["code"].(string)
			if _, hasConn := seenTarget["code"]; !hasConn && strings.TrimSpace(code) == "" {
				addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "code", Reason: "required"})
			}
			lang, _ := step.Config["language"].(string)
			if lang == "" {
				addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "language", Reason: "required"})
			}
			if strings.Contains(code, "eval(") || strings.Contains(code, "exec(") {
				res.Warnings = append(res.Warnings, ValidationWarning{StepID: id, Reason: "suspicious code pattern"})
			}
		case pc.StepCondition:
			cond, _ := step.Config["condition"].(string)
			if _, hasConn := seenTarget["condition"]; !hasConn && strings.TrimSpace(cond) == "" {
				addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "condition", Reason: "required"})
			} else if strings.TrimSpace(cond) != "" {
				if _, err := expr.Eval(cond, func(string) (any, bool) { return nil, false }); err != nil {
					addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "condition", Reason: err.Error()})
				}
			}
		case pc.StepTransform:
			typ, _ := step.Config["type"].(string)
			if !validTransformTypes[typ] {
				addErr(&ValidationError{Code: "InvalidStepConfig", StepID: id, Field: "type", Reason: "unsupported transform type"})
			}
		case pc.StepOutput:
			if step.Enabled {
				outputNames[step.Name]++
			}
		}
	}

	// 6. No duplicate enabled output-step names (Open Question #3).
	for name, count := range outputNames {
		if count > 1 {
			addErr(&ValidationError{Code: "InvalidStepConfig", Field: "name", Reason: fmt.Sprintf("duplicate output name %q", name)})
		}
	}

	return res
}
