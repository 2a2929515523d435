package graph

import (
	"testing"

	pc "github.com/nevindra/pipelinecore"
)

func linearPipeline() pc.Pipeline {
	return pc.Pipeline{
		ID: "p1",
		Steps: []pc.Step{
			{ID: "A", Kind: pc.StepInput, Enabled: true, Name: "A"},
			{ID: "B", Kind: pc.StepTransform, Enabled: true, Name: "B", Config: map[string]any{"type": "extract"}},
			{ID: "C", Kind: pc.StepOutput, Enabled: true, Name: "C"},
		},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "A", Port: "value"}, Target: pc.PortRef{StepID: "B", Port: "data"}},
			{ID: "c2", Source: pc.PortRef{StepID: "B", Port: "result"}, Target: pc.PortRef{StepID: "C", Port: "data"}},
		},
	}
}

func TestTopoSortLinear(t *testing.T) {
	g, err := New(linearPipeline())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	order, err := g.TopoSort()
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	want := []string{"A", "B", "C"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("order[%d] = %q, want %q", i, order[i], id)
		}
	}
}

func TestTopoSortCycle(t *testing.T) {
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
	if _, err := g.TopoSort(); err == nil {
		t.Fatal("TopoSort: expected cycle error, got nil")
	} else if _, ok := err.(*CycleDetectedError); !ok {
		t.Errorf("err = %T, want *CycleDetectedError", err)
	}
}

func TestNewMalformedGraph(t *testing.T) {
	p := pc.Pipeline{
		Steps: []pc.Step{{ID: "A", Kind: pc.StepInput}},
		Connections: []pc.Connection{
			{ID: "c1", Source: pc.PortRef{StepID: "missing", Port: "value"}, Target: pc.PortRef{StepID: "A", Port: "data"}},
		},
	}
	if _, err := New(p); err == nil {
		t.Fatal("New: expected MalformedGraphError, got nil")
	}
}

func TestIncomingOutgoingSorted(t *testing.T) {
	g, err := New(linearPipeline())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := g.Incoming("B")
	if len(in) != 1 || in[0].ID != "c1" {
		t.Errorf("Incoming(B) = %v, want [c1]", in)
	}
	out := g.Outgoing("A")
	if len(out) != 1 || out[0].ID != "c1" {
		t.Errorf("Outgoing(A) = %v, want [c1]", out)
	}
}
