package graph

import (
	"testing"

	pc "github.com/nevindra/pipelinecore"
)

func TestValidateLinearPipelineOK(t *testing.T) {
	p := linearPipeline()
	// A is an input step with no required inputs; B and C have their
	// required data inputs bound by connections c1 and c2.
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if !res.Valid {
		t.Fatalf("Validate: want valid, got errors %v", res.Errors)
	}
}

func TestValidateUnboundRequiredInput(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepTransform, Enabled: true, Config: map[string]any{"type": "extract"}},
		},
	}
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if res.Valid {
		t.Fatal("Validate: want invalid (missing required 'data' input)")
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == "UnboundRequiredInput" && e.Port == "data" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want UnboundRequiredInput on port data", res.Errors)
	}
}

func TestValidateDuplicateInboundConnection(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepInput, Enabled: true},
			{ID: "B", Kind: pc.StepInput, Enabled: true},
			{ID: "C", Kind: pc.StepTransform, Enabled: true, Config: map[string]any{"type": "extract"}},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "A", Port: "value"}, Target: pc.PortRef{StepID: "C", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "B", Port: "value"}, Target: pc.PortRef{StepID: "C", Port: "data"}},
		},
	}
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if res.Valid {
		t.Fatal("Validate: want invalid (duplicate inbound connection)")
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == "DuplicateInboundConnection" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want DuplicateInboundConnection", res.Errors)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepCondition, Enabled: true, Config: map[string]any{"condition": "true"}},
			{ID: "B", Kind: pc.StepCode, Enabled: true, Config: map[string]any{"language": "python", "code": "print(1)"}},
		},
		Connections: []pc.Connection{
			// condition.result is boolean; code.variables wants json — incompatible.
			{ID: "c1", Source: pc.PortRef{StepID: "A", Port: "result"}, Target: pc.PortRef{StepID: "B", Port: "variables"}},
		},
	}
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if res.Valid {
		t.Fatal("Validate: want invalid (type mismatch)")
	}
}

func TestValidateDuplicateOutputName(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepInput, Enabled: true},
			{ID: "O1", Name: "result", Kind: pc.StepOutput, Enabled: true},
			{ID: "O2", Name: "result", Kind: pc.StepOutput, Enabled: true},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "A", Port: "value"}, Target: pc.PortRef{StepID: "O1", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "A", Port: "value"}, Target: pc.PortRef{StepID: "O2", Port: "data"}},
		},
	}
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if res.Valid {
		t.Fatal("Validate: want invalid (duplicate output name)")
	}
}

func TestValidateCycleRejected(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepTransform, Enabled: true, Config: map[string]any{"type": "extract"}},
			{ID: "B", Kind: pc.StepTransform, Enabled: true, Config: map[string]any{"type": "extract"}},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "A", Port: "result"}, Target: pc.PortRef{StepID: "B", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "B", Port: "result"}, Target: pc.PortRef{StepID: "A", Port: "data"}},
		},
	}
	g, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := Validate(g)
	if res.Valid {
		t.Fatal("Validate: want invalid (cycle)")
	}
	if res.Errors[0].Code != "CycleDetected" {
		t.Errorf("errors[0].Code = %q, want CycleDetected", res.Errors[0].Code)
	}
}
