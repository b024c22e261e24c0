package oracle

import (
	"fmt"
	"math/rand"
	"testing"
)

// sameComponents checks that two labelings induce the same partition,
// ignoring the label values themselves.
func sameComponents(t *testing.T, a, b map[string]int) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("label count mismatch: %d vs %d", len(a), len(b))
	}
	mapping := make(map[int]int)
	for node, la := range a {
		lb, ok := b[node]
		if !ok {
			t.Fatalf("node %s missing from second labeling", node)
		}
		if mapped, seen := mapping[la]; seen {
			if mapped != lb {
				t.Fatalf("node %s: partition mismatch", node)
			}
		} else {
			mapping[la] = lb
		}
	}
}

func TestComponentsSimple(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}
	edges := []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "d", To: "e"}}

	for name, p := range map[string]Planner{"gonum": Gonum{}, "direct": Direct{}} {
		labels, err := p.Components(nodes, edges)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if labels["a"] != labels["b"] || labels["b"] != labels["c"] {
			t.Errorf("%s: a,b,c should share a component: %v", name, labels)
		}
		if labels["d"] != labels["e"] {
			t.Errorf("%s: d,e should share a component: %v", name, labels)
		}
		if labels["a"] == labels["d"] {
			t.Errorf("%s: a and d should be in different components: %v", name, labels)
		}
	}
}

func TestLengthsSimple(t *testing.T) {
	// Path graph a - b - c - d plus isolated e.
	nodes := []string{"a", "b", "c", "d", "e"}
	edges := []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "d"}}

	for name, p := range map[string]PathOracle{"gonum": Gonum{}, "direct": Direct{}} {
		lengths, err := p.Lengths(nodes, edges, "a")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		want := map[string]int{"a": 0, "b": 1, "c": 2, "d": 3}
		for node, d := range want {
			if lengths[node] != d {
				t.Errorf("%s: d(a,%s) = %d, want %d", name, node, lengths[node], d)
			}
		}
		if _, ok := lengths["e"]; ok {
			t.Errorf("%s: unreachable node e should be absent, got %v", name, lengths["e"])
		}
	}
}

func TestSelfLoopsAndDuplicatesTolerated(t *testing.T) {
	nodes := []string{"a", "b"}
	edges := []Edge{{From: "a", To: "a"}, {From: "a", To: "b"}, {From: "a", To: "b"}, {From: "b", To: "a"}}

	labels, err := Gonum{}.Components(nodes, edges)
	if err != nil {
		t.Fatalf("Components: %v", err)
	}
	if labels["a"] != labels["b"] {
		t.Errorf("a and b should share a component: %v", labels)
	}

	lengths, err := Gonum{}.Lengths(nodes, edges, "a")
	if err != nil {
		t.Fatalf("Lengths: %v", err)
	}
	if lengths["b"] != 1 {
		t.Errorf("d(a,b) = %d, want 1", lengths["b"])
	}
}

func TestUnknownSource(t *testing.T) {
	for name, p := range map[string]PathOracle{"gonum": Gonum{}, "direct": Direct{}} {
		if _, err := p.Lengths([]string{"a"}, nil, "ghost"); err == nil {
			t.Errorf("%s: expected error for unknown source", name)
		}
	}
}

// The two implementations must agree on random graphs: Direct is the fallback
// when Gonum fails, so any divergence would change batch planning.
func TestImplementationsAgreeOnRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		n := 2 + rng.Intn(40)
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%d", i)
		}
		var edges []Edge
		for i := 0; i < n; i++ {
			for j := 0; j < 2; j++ {
				edges = append(edges, Edge{
					From: nodes[rng.Intn(n)],
					To:   nodes[rng.Intn(n)],
				})
			}
		}

		gl, err := Gonum{}.Components(nodes, edges)
		if err != nil {
			t.Fatalf("trial %d gonum components: %v", trial, err)
		}
		dl, err := Direct{}.Components(nodes, edges)
		if err != nil {
			t.Fatalf("trial %d direct components: %v", trial, err)
		}
		sameComponents(t, gl, dl)

		source := nodes[rng.Intn(n)]
		gd, err := Gonum{}.Lengths(nodes, edges, source)
		if err != nil {
			t.Fatalf("trial %d gonum lengths: %v", trial, err)
		}
		dd, err := Direct{}.Lengths(nodes, edges, source)
		if err != nil {
			t.Fatalf("trial %d direct lengths: %v", trial, err)
		}
		if len(gd) != len(dd) {
			t.Fatalf("trial %d: reachable sets differ: %d vs %d", trial, len(gd), len(dd))
		}
		for node, d := range gd {
			if dd[node] != d {
				t.Errorf("trial %d: d(%s,%s) gonum=%d direct=%d", trial, source, node, d, dd[node])
			}
		}
	}
}
