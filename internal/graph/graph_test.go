package graph

import (
	"reflect"
	"testing"

	"github.com/pipeweave/pipeweave/internal/core"
)

func diamond() *Graph {
	return New([]Node{
		{TaskID: "A", AllowedNext: []string{"B", "C"}},
		{TaskID: "B", AllowedNext: []string{"D"}},
		{TaskID: "C", AllowedNext: []string{"D"}},
		{TaskID: "D"},
	})
}

func TestGraph_ReverseAdjacency(t *testing.T) {
	g := diamond()

	if got, want := g.Predecessors("D"), []string{"B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("predecessors of D: got %v want %v", got, want)
	}
	if got, want := g.Successors("A"), []string{"B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("successors of A: got %v want %v", got, want)
	}
	if got := g.Predecessors("A"); len(got) != 0 {
		t.Fatalf("expected A to have no predecessors, got %v", got)
	}
}

func TestGraph_EntryAndEndNodes(t *testing.T) {
	g := diamond()
	if got, want := g.EntryNodes(), []string{"A"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("entries: got %v want %v", got, want)
	}
	if got, want := g.EndNodes(), []string{"D"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ends: got %v want %v", got, want)
	}
}

func TestGraph_IsReadyToRun_JoinWaitsForAllPredecessors(t *testing.T) {
	g := diamond()

	completed := map[string]bool{"A": true, "B": true}
	if g.IsReadyToRun("D", completed) {
		t.Fatalf("D must not be ready with C outstanding")
	}
	completed["C"] = true
	if !g.IsReadyToRun("D", completed) {
		t.Fatalf("D must be ready once B and C completed")
	}
	if !g.IsReadyToRun("A", map[string]bool{}) {
		t.Fatalf("entry task must always be ready")
	}
}

func TestGraph_Closures(t *testing.T) {
	g := diamond()
	if got, want := g.Downstream("A"), []string{"B", "C", "D"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("downstream of A: got %v want %v", got, want)
	}
	if got, want := g.Upstream("D"), []string{"A", "B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("upstream of D: got %v want %v", got, want)
	}
}

func TestTopologicalLevels_DiamondHasJoinLevel(t *testing.T) {
	g := diamond()
	levels := g.TopologicalLevels([]string{"A"})

	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %+v", len(levels), levels)
	}
	if levels[0].Type != core.LevelEntry || !reflect.DeepEqual(levels[0].Tasks, []string{"A"}) {
		t.Fatalf("level 0 mismatch: %+v", levels[0])
	}
	if levels[1].Type != core.LevelParallel || !reflect.DeepEqual(levels[1].Tasks, []string{"B", "C"}) {
		t.Fatalf("level 1 mismatch: %+v", levels[1])
	}
	if levels[2].Type != core.LevelJoin {
		t.Fatalf("level 2 should be a join: %+v", levels[2])
	}
	if got, want := levels[2].WaitsFor["D"], []string{"B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("waitsFor D: got %v want %v", got, want)
	}
}

func TestTopologicalLevels_LinearEndsWithEndLevel(t *testing.T) {
	g := New([]Node{
		{TaskID: "A", AllowedNext: []string{"B"}},
		{TaskID: "B", AllowedNext: []string{"C"}},
		{TaskID: "C"},
	})
	levels := g.TopologicalLevels([]string{"A"})
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if levels[2].Type != core.LevelEnd {
		t.Fatalf("final level should be end, got %s", levels[2].Type)
	}
}

func TestTopologicalLevels_OnlyReachableSubgraphPlanned(t *testing.T) {
	g := New([]Node{
		{TaskID: "A", AllowedNext: []string{"B"}},
		{TaskID: "B"},
		{TaskID: "X", AllowedNext: []string{"Y"}},
		{TaskID: "Y"},
	})
	levels := g.TopologicalLevels([]string{"A"})
	planned := make([]string, 0)
	for _, lvl := range levels {
		planned = append(planned, lvl.Tasks...)
	}
	if got, want := planned, []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("planned tasks: got %v want %v", got, want)
	}
}

func TestTopologicalLevels_DeterministicAcrossInsertionOrder(t *testing.T) {
	a := New([]Node{
		{TaskID: "A", AllowedNext: []string{"B", "C"}},
		{TaskID: "B", AllowedNext: []string{"D"}},
		{TaskID: "C", AllowedNext: []string{"D"}},
		{TaskID: "D"},
	})
	b := New([]Node{
		{TaskID: "D"},
		{TaskID: "C", AllowedNext: []string{"D"}},
		{TaskID: "B", AllowedNext: []string{"D"}},
		{TaskID: "A", AllowedNext: []string{"C", "B"}},
	})
	if !reflect.DeepEqual(a.TopologicalLevels([]string{"A"}), b.TopologicalLevels([]string{"A"})) {
		t.Fatalf("plans differ across insertion orders")
	}
}
