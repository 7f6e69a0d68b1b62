package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCycle   = errors.New("workflow graph contains a cycle")
	ErrNoEntry = errors.New("workflow graph has no entry node")
)

// Handler runs one node. completed lists the node's predecessors, all of
// which have finished. The returned state replaces the input; a nil state
// leaves it unchanged.
type Handler func(ctx context.Context, state State, completed []string) (State, error)

// Node is a named step and the nodes it must run after.
type Node struct {
	Name    string
	After   []string
	Handler Handler
}

// Graph is a validated directed acyclic graph of nodes. It is immutable once
// built and may be shared by concurrent runs.
type Graph struct {
	nodes map[string]Node
	preds map[string][]string
	tiers [][]string
}

// NewGraph validates nodes and groups them into tiers by depth: a node's
// tier is one past the deepest of its predecessors.
func NewGraph(nodes ...Node) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, ErrNoEntry
	}

	g := &Graph{
		nodes: make(map[string]Node, len(nodes)),
		preds: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		if n.Name == "" {
			return nil, errors.New("workflow node without a name")
		}
		if n.Handler == nil {
			return nil, fmt.Errorf("workflow node %q has no handler", n.Name)
		}
		if _, dup := g.nodes[n.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow node %q", n.Name)
		}
		g.nodes[n.Name] = n
	}

	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		if _, ok := inDegree[n.Name]; !ok {
			inDegree[n.Name] = 0
		}
		seen := make(map[string]bool, len(n.After))
		for _, p := range n.After {
			if _, ok := g.nodes[p]; !ok {
				return nil, fmt.Errorf("workflow node %q runs after unknown node %q", n.Name, p)
			}
			if p == n.Name {
				return nil, fmt.Errorf("workflow node %q: %w", n.Name, ErrCycle)
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			edges[p] = append(edges[p], n.Name)
			g.preds[n.Name] = append(g.preds[n.Name], p)
			inDegree[n.Name]++
		}
		sort.Strings(g.preds[n.Name])
	}

	// Kahn's algorithm, tracking the depth of each node
	depth := make(map[string]int, len(nodes))
	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
			depth[name] = 0
		}
	}
	if len(queue) == 0 {
		return nil, ErrNoEntry
	}

	processed := 0
	maxDepth := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[name] {
			inDegree[next]--
			if d := depth[name] + 1; d > depth[next] {
				depth[next] = d
				if d > maxDepth {
					maxDepth = d
				}
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(nodes) {
		return nil, ErrCycle
	}

	g.tiers = make([][]string, maxDepth+1)
	for name, d := range depth {
		g.tiers[d] = append(g.tiers[d], name)
	}
	for _, tier := range g.tiers {
		sort.Strings(tier)
	}
	return g, nil
}

// Linear chains nodes in the given order, each running after the previous
// one. Existing After lists are replaced.
func Linear(nodes ...Node) (*Graph, error) {
	chained := make([]Node, len(nodes))
	for i, n := range nodes {
		n.After = nil
		if i > 0 {
			n.After = []string{nodes[i-1].Name}
		}
		chained[i] = n
	}
	return NewGraph(chained...)
}

// Tiers returns the execution order. Nodes within a tier do not depend on
// each other and are sorted by name.
func (g *Graph) Tiers() [][]string {
	out := make([][]string, len(g.tiers))
	for i, tier := range g.tiers {
		out[i] = append([]string(nil), tier...)
	}
	return out
}

// Predecessors returns the sorted names name runs after.
func (g *Graph) Predecessors(name string) []string {
	return append([]string(nil), g.preds[name]...)
}

func (g *Graph) Len() int { return len(g.nodes) }
