// Package graph provides directed acyclic graph operations for node
// dependencies. It supports cycle detection, topological sorting, and
// downstream closure computation for invalidation.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Graph represents the dependency graph of query nodes. Edges point from
// a dependency to its dependents.
type Graph struct {
	nodes    map[string]*core.Node
	children map[string][]string // upstream -> downstream
	parents  map[string][]string // downstream -> upstream
}

// New creates a new empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*core.Node),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// FromNodes builds a graph from parsed nodes, wiring edges from each
// node's DependsOn list. All edge errors are collected and reported
// together; cycles fail the build.
func FromNodes(nodes []*core.Node) (*Graph, error) {
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	var edgeErrors []error
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if err := g.AddEdge(dep, n.ID); err != nil {
				edgeErrors = append(edgeErrors, fmt.Errorf("node %s: %w", n.ID, err))
			}
		}
	}
	if len(edgeErrors) > 0 {
		return nil, errors.Join(edgeErrors...)
	}
	if ok, cycle := g.HasCycle(); ok {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}
	return g, nil
}

// AddNode adds a node to the graph, replacing any node with the same ID.
func (g *Graph) AddNode(n *core.Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.children[n.ID] = []string{}
		g.parents[n.ID] = []string{}
	}
	g.nodes[n.ID] = n
}

// AddEdge adds a directed edge from upstream to downstream (downstream
// depends on upstream).
func (g *Graph) AddEdge(upstreamID, downstreamID string) error {
	if _, exists := g.nodes[upstreamID]; !exists {
		return fmt.Errorf("unknown dependency %q", upstreamID)
	}
	if _, exists := g.nodes[downstreamID]; !exists {
		return fmt.Errorf("unknown node %q", downstreamID)
	}
	if upstreamID == downstreamID {
		return fmt.Errorf("node %q depends on itself", upstreamID)
	}

	if !slices.Contains(g.children[upstreamID], downstreamID) {
		g.children[upstreamID] = append(g.children[upstreamID], downstreamID)
	}
	if !slices.Contains(g.parents[downstreamID], upstreamID) {
		g.parents[downstreamID] = append(g.parents[downstreamID], upstreamID)
	}

	return nil
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*core.Node, bool) {
	n, exists := g.nodes[id]
	return n, exists
}

// Parents returns the direct dependencies of a node.
func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// Children returns the direct dependents of a node.
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Nodes returns all nodes sorted by ID.
func (g *Graph) Nodes() []*core.Node {
	nodes := make([]*core.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, downs := range g.children {
		count += len(downs)
	}
	return count
}

// HasCycle returns true if the graph contains a cycle, along with the
// cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	cameFrom := make(map[string]string)

	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true

		for _, next := range g.children[id] {
			if !visited[next] {
				cameFrom[next] = id
				if dfs(next) {
					return true
				}
			} else if onStack[next] {
				cycle = []string{next}
				for curr := id; curr != next; curr = cameFrom[curr] {
					cycle = append([]string{curr}, cycle...)
				}
				cycle = append([]string{next}, cycle...)
				return true
			}
		}

		onStack[id] = false
		return false
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if !visited[id] {
			if dfs(id) {
				return true, cycle
			}
		}
	}

	return false, nil
}

// TopologicalSort returns nodes in dependency order (upstream before
// downstream). Returns an error if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]*core.Node, error) {
	if ok, cycle := g.HasCycle(); ok {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}

	visited := make(map[string]bool)
	var result []*core.Node

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, parent := range g.parents[id] {
			visit(parent)
		}
		result = append(result, g.nodes[id])
	}

	for _, id := range g.sortedIDs() {
		visit(id)
	}

	return result, nil
}

// Downstream returns the given node and every node reachable from it
// through dependent edges, sorted by ID. This is the invalidation set for
// a change to the node. Unknown IDs contribute nothing.
func (g *Graph) Downstream(ids ...string) []string {
	affected := make(map[string]bool)

	var mark func(id string)
	mark = func(id string) {
		if affected[id] {
			return
		}
		affected[id] = true
		for _, next := range g.children[id] {
			mark(next)
		}
	}

	for _, id := range ids {
		if _, exists := g.nodes[id]; exists {
			mark(id)
		}
	}

	result := make([]string, 0, len(affected))
	for id := range affected {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Upstream returns every transitive dependency of the given node, sorted
// by ID. The node itself is not included.
func (g *Graph) Upstream(id string) []string {
	seen := make(map[string]bool)

	var mark func(nodeID string)
	mark = func(nodeID string) {
		for _, parent := range g.parents[nodeID] {
			if !seen[parent] {
				seen[parent] = true
				mark(parent)
			}
		}
	}

	mark(id)

	result := make([]string, 0, len(seen))
	for nodeID := range seen {
		result = append(result, nodeID)
	}
	sort.Strings(result)
	return result
}

// Roots returns nodes with no dependencies, sorted by ID.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leaves returns nodes with no dependents, sorted by ID.
func (g *Graph) Leaves() []string {
	var leaves []string
	for id := range g.nodes {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Subgraph returns a new graph containing only the specified nodes and
// the edges between them.
func (g *Graph) Subgraph(ids []string) *Graph {
	sub := New()
	keep := make(map[string]bool)

	for _, id := range ids {
		keep[id] = true
		if n, exists := g.nodes[id]; exists {
			sub.AddNode(n)
		}
	}

	for _, id := range ids {
		for _, next := range g.children[id] {
			if keep[next] {
				_ = sub.AddEdge(id, next)
			}
		}
	}

	return sub
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
