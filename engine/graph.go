package engine

import (
	"context"
	"fmt"
)

// End is the terminal pseudo-node.
const End = "__end__"

// NodeFunc executes one workflow node. The returned delta is merged into the
// state by the engine; nodes never mutate State.Results directly.
type NodeFunc func(ctx context.Context, s *State) (Results, error)

// RouterFunc picks a label after a node completes. Routers are pure reads of
// the state and produce no events.
type RouterFunc func(s *State) string

type conditionalEdge struct {
	router  RouterFunc
	targets map[string]string
}

// Graph declares nodes, static edges, and conditional routers.
type Graph struct {
	start        string
	nodes        map[string]NodeFunc
	edges        map[string]string
	conditionals map[string]conditionalEdge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:        make(map[string]NodeFunc),
		edges:        make(map[string]string),
		conditionals: make(map[string]conditionalEdge),
	}
}

// AddNode registers a node function under its contract name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge wires a static transition.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditional wires a router whose label selects the next node.
func (g *Graph) AddConditional(from string, router RouterFunc, targets map[string]string) *Graph {
	g.conditionals[from] = conditionalEdge{router: router, targets: targets}
	return g
}

// SetStart names the entry node.
func (g *Graph) SetStart(name string) *Graph {
	g.start = name
	return g
}

// Validate checks that every edge points at a declared node and the start
// node exists.
func (g *Graph) Validate() error {
	if g.start == "" {
		return fmt.Errorf("graph has no start node")
	}
	if _, ok := g.nodes[g.start]; !ok {
		return fmt.Errorf("start node %q is not declared", g.start)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from undeclared node %q", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge %q -> undeclared node %q", from, to)
			}
		}
	}
	for from, cond := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("conditional from undeclared node %q", from)
		}
		for label, to := range cond.targets {
			if to != End {
				if _, ok := g.nodes[to]; !ok {
					return fmt.Errorf("conditional %q label %q -> undeclared node %q", from, label, to)
				}
			}
		}
	}
	return nil
}

// Node returns a declared node function.
func (g *Graph) Node(name string) (NodeFunc, bool) {
	fn, ok := g.nodes[name]
	return fn, ok
}

// Next resolves the node that follows `from` for the given state.
func (g *Graph) Next(s *State, from string) (string, error) {
	if cond, ok := g.conditionals[from]; ok {
		label := cond.router(s)
		target, ok := cond.targets[label]
		if !ok {
			return "", fmt.Errorf("router at %q returned unmapped label %q", from, label)
		}
		return target, nil
	}
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	return End, nil
}
