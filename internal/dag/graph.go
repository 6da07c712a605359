// Package dag is an arena-backed directed acyclic graph. Nodes are addressed
// by stable integer handles so traversals never depend on the identity of
// the values stored in them.
package dag

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCycle indicates the graph contains a cycle and has no topological order.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrUnknownNode indicates a NodeID that was not issued by this graph.
	ErrUnknownNode = errors.New("unknown node")
)

// NodeID is a stable handle to a node in a Graph.
type NodeID int

// Graph stores node values and the ordering edges between them.
// It is safe for concurrent use.
type Graph struct {
	mu         sync.RWMutex
	nodes      []any
	upstream   [][]NodeID
	downstream [][]NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{}
}

// Add inserts a node holding v and returns its handle.
func (g *Graph) Add(v any) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = append(g.nodes, v)
	g.upstream = append(g.upstream, nil)
	g.downstream = append(g.downstream, nil)
	return NodeID(len(g.nodes) - 1)
}

// Node returns the value stored at id.
func (g *Graph) Node(id NodeID) any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.valid(id) {
		return nil
	}
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AddEdge records that from must complete before to. This is both
// setUpstream on to and setDownstream on from. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.valid(from) || !g.valid(to) {
		return fmt.Errorf("%w: edge %d -> %d", ErrUnknownNode, from, to)
	}
	if from == to {
		return fmt.Errorf("%w: self edge on node %d", ErrCycle, from)
	}
	for _, u := range g.upstream[to] {
		if u == from {
			return nil
		}
	}
	g.upstream[to] = append(g.upstream[to], from)
	g.downstream[from] = append(g.downstream[from], to)
	return nil
}

// Upstream returns the direct predecessors of id.
func (g *Graph) Upstream(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.valid(id) {
		return nil
	}
	return append([]NodeID(nil), g.upstream[id]...)
}

// Downstream returns the direct successors of id.
func (g *Graph) Downstream(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.valid(id) {
		return nil
	}
	return append([]NodeID(nil), g.downstream[id]...)
}

// WalkUpstream performs a depth-first walk over the predecessors of start,
// beginning with start itself. Each node is visited at most once. visit
// receives the node and its value and returns false to stop descending past
// it. visit must not modify the graph.
func (g *Graph) WalkUpstream(start NodeID, visit func(id NodeID, v any) bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.valid(start) {
		return
	}

	visited := make(map[NodeID]struct{})
	stack := []NodeID{start}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[top]; seen {
			continue
		}
		visited[top] = struct{}{}

		if !visit(top, g.nodes[top]) {
			continue
		}
		stack = append(stack, g.upstream[top]...)
	}
}

// TopologicalOrder returns every node such that each appears after all of
// its predecessors. Ties are broken by insertion order.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make([]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.upstream[id])
	}

	var ready []NodeID
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, NodeID(id))
		}
	}

	order := make([]NodeID, 0, len(g.nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, d := range g.downstream[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

func (g *Graph) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes)
}
