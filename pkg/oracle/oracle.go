// Package oracle wraps the bulk graph algorithms the engine depends on but
// does not own: weak-component labeling (used only to plan batch grouping)
// and shortest-path lengths on bounded micro-projections (used for component
// diameters). Both are injected as interfaces so correctness tests can run
// against the brute-force implementations.
package oracle

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// Edge is an undirected edge between two node IDs.
type Edge struct {
	From string
	To   string
}

// Planner labels every node with its weak-component. Labels are opaque:
// only equality matters, never the value. The result is used for scheduling,
// never to decide forest structure.
type Planner interface {
	Components(nodes []string, edges []Edge) (map[string]int, error)
}

// PathOracle returns unweighted shortest-path lengths (hop counts) from a
// source to every reachable node of a bounded subgraph.
type PathOracle interface {
	Lengths(nodes []string, edges []Edge, source string) (map[string]int, error)
}

// indexing maps string node IDs onto the dense int64 IDs gonum graphs use.
type indexing struct {
	ids   map[string]int64
	names []string
}

func newIndexing(nodes []string) *indexing {
	ix := &indexing{ids: make(map[string]int64, len(nodes))}
	for _, n := range nodes {
		if _, ok := ix.ids[n]; ok {
			continue
		}
		ix.ids[n] = int64(len(ix.names))
		ix.names = append(ix.names, n)
	}
	return ix
}

func (ix *indexing) build(edges []Edge) (*simple.UndirectedGraph, error) {
	g := simple.NewUndirectedGraph()
	for i := range ix.names {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		u, ok := ix.ids[e.From]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		v, ok := ix.ids[e.To]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		if u == v {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(u), T: simple.Node(v)})
	}
	return g, nil
}

// Gonum implements both oracles on gonum's graph algorithms. It is the
// production implementation.
type Gonum struct{}

var _ Planner = Gonum{}
var _ PathOracle = Gonum{}

// Components labels nodes via topo.ConnectedComponents in a single pass.
func (Gonum) Components(nodes []string, edges []Edge) (map[string]int, error) {
	ix := newIndexing(nodes)
	g, err := ix.build(edges)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]int, len(ix.names))
	for label, cc := range topo.ConnectedComponents(g) {
		for _, n := range cc {
			labels[ix.names[n.ID()]] = label
		}
	}
	return labels, nil
}

// Lengths runs a breadth-first traversal from source and records hop counts.
func (Gonum) Lengths(nodes []string, edges []Edge, source string) (map[string]int, error) {
	ix := newIndexing(nodes)
	g, err := ix.build(edges)
	if err != nil {
		return nil, err
	}
	src, ok := ix.ids[source]
	if !ok {
		return nil, fmt.Errorf("source %q not in subgraph", source)
	}

	lengths := make(map[string]int)
	bfs := traverse.BreadthFirst{}
	bfs.Walk(g, simple.Node(src), func(n graph.Node, d int) bool {
		lengths[ix.names[n.ID()]] = d
		return false
	})
	return lengths, nil
}

// Direct is the brute-force fallback: plain map-based traversals. The batch
// coordinator degrades to it when the bulk planner fails, and tests use it to
// decouple correctness from the bulk algorithms.
type Direct struct{}

var _ Planner = Direct{}
var _ PathOracle = Direct{}

func adjacency(edges []Edge) map[string][]string {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		if e.From == e.To {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}
	return adj
}

// Components floods labels over the adjacency lists.
func (Direct) Components(nodes []string, edges []Edge) (map[string]int, error) {
	adj := adjacency(edges)
	labels := make(map[string]int, len(nodes))
	next := 0
	for _, start := range nodes {
		if _, done := labels[start]; done {
			continue
		}
		frontier := []string{start}
		labels[start] = next
		for len(frontier) > 0 {
			curr := frontier[0]
			frontier = frontier[1:]
			for _, nb := range adj[curr] {
				if _, done := labels[nb]; done {
					continue
				}
				labels[nb] = next
				frontier = append(frontier, nb)
			}
		}
		next++
	}
	return labels, nil
}

// Lengths is an unweighted BFS from source.
func (Direct) Lengths(nodes []string, edges []Edge, source string) (map[string]int, error) {
	known := false
	for _, n := range nodes {
		if n == source {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("source %q not in subgraph", source)
	}

	adj := adjacency(edges)
	lengths := map[string]int{source: 0}
	frontier := []string{source}
	for len(frontier) > 0 {
		curr := frontier[0]
		frontier = frontier[1:]
		for _, nb := range adj[curr] {
			if _, done := lengths[nb]; done {
				continue
			}
			lengths[nb] = lengths[curr] + 1
			frontier = append(frontier, nb)
		}
	}
	return lengths, nil
}
