// Package graph provides the typed in-memory representation of a
// pipeline and the static validator that must accept it before a Run
// starts.
package graph

import (
	"fmt"
	"sort"

	pc "github.com/nevindra/pipelinecore"
)

// MalformedGraphError is returned by New when a connection references an
// unknown step.
type MalformedGraphError struct {
	ConnectionID string
	Reason       string
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("malformed graph: connection %s: %s", e.ConnectionID, e.Reason)
}

// Graph is a purely structural view over a Pipeline: construction and
// accessors only, no scheduling behavior.
type Graph struct {
	pipeline pc.Pipeline
	byID     map[string]*pc.Step
	incoming map[string][]pc.Connection // keyed by target step id
	outgoing map[string][]pc.Connection // keyed by source step id
	bySource map[pc.PortRef]pc.Connection
	byTarget map[pc.PortRef]pc.Connection
}

// New builds a Graph from a pipeline, failing with MalformedGraphError if
// any connection references a step the pipeline doesn't declare. Port
// names are not checked against the step kind's declared ports.
func New(p pc.Pipeline) (*Graph, error) {
	g := &Graph{
		pipeline: p,
		byID:     make(map[string]*pc.Step, len(p.Steps)),
		incoming: make(map[string][]pc.Connection),
		outgoing: make(map[string][]pc.Connection),
		bySource: make(map[pc.PortRef]pc.Connection, len(p.Connections)),
		byTarget: make(map[pc.PortRef]pc.Connection, len(p.Connections)),
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		g.byID[s.ID] = s
	}
	for _, c := range p.Connections {
		if _, ok := g.byID[c.Source.StepID]; !ok {
			return nil, &MalformedGraphError{ConnectionID: c.ID, Reason: "unknown source step " + c.Source.StepID}
		}
		if _, ok := g.byID[c.Target.StepID]; !ok {
			return nil, &MalformedGraphError{ConnectionID: c.ID, Reason: "unknown target step " + c.Target.StepID}
		}
		g.incoming[c.Target.StepID] = append(g.incoming[c.Target.StepID], c)
		g.outgoing[c.Source.StepID] = append(g.outgoing[c.Source.StepID], c)
		g.bySource[c.Source] = c
		g.byTarget[c.Target] = c
	}
	return g, nil
}

// Pipeline returns the underlying pipeline definition.
func (g *Graph) Pipeline() pc.Pipeline { return g.pipeline }

// StepByID looks up a step by id.
func (g *Graph) StepByID(id string) (*pc.Step, bool) {
	s, ok := g.byID[id]
	return s, ok
}

// Incoming returns the connections terminating at stepID, sorted by
// connection id for deterministic iteration.
func (g *Graph) Incoming(stepID string) []pc.Connection {
	return sortedConns(g.incoming[stepID])
}

// Outgoing returns the connections originating at stepID, sorted by
// connection id.
func (g *Graph) Outgoing(stepID string) []pc.Connection {
	return sortedConns(g.outgoing[stepID])
}

// SourceOf returns the connection feeding a given target port, if any.
func (g *Graph) SourceOf(target pc.PortRef) (pc.Connection, bool) {
	c, ok := g.byTarget[target]
	return c, ok
}

// StepIDs returns every step id in deterministic (sorted) order.
func (g *Graph) StepIDs() []string {
	ids := make([]string, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedConns(cs []pc.Connection) []pc.Connection {
	out := make([]pc.Connection, len(cs))
	copy(out, cs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TopoSort computes a topological order over the graph's steps via
// Kahn's algorithm, ties broken by step id for determinism. It
// returns CycleDetected if residual nodes remain once the queue drains.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.byID))
	dependents := make(map[string][]string) // source step -> dependent steps
	for id := range g.byID {
		inDegree[id] = 0
	}
	for targetID, conns := range g.incoming {
		seen := make(map[string]bool)
		for _, c := range conns {
			if !seen[c.Source.StepID] {
				seen[c.Source.StepID] = true
				inDegree[targetID]++
				dependents[c.Source.StepID] = append(dependents[c.Source.StepID], targetID)
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		next := append([]string(nil), dependents[node]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.byID) {
		var residual []string
		for id, deg := range inDegree {
			if deg > 0 {
				residual = append(residual, id)
			}
		}
		sort.Strings(residual)
		return nil, &CycleDetectedError{StepIDs: residual}
	}
	return order, nil
}

// CycleDetectedError is returned by TopoSort when the pipeline contains
// a cycle; StepIDs names the residual (unresolvable) steps.
type CycleDetectedError struct {
	StepIDs []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected among steps: %v", e.StepIDs)
}
