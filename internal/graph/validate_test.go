package graph

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidate_CleanDiamondIsValid(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"B", "C"}},
		{TaskID: "B", AllowedNext: []string{"D"}},
		{TaskID: "C", AllowedNext: []string{"D"}},
		{TaskID: "D"},
	}, nil)

	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	if res.MaxDepth != 3 {
		t.Fatalf("expected depth 3, got %d", res.MaxDepth)
	}
}

func TestValidate_ReportsMissingRequestedTasks(t *testing.T) {
	res := Validate([]Node{{TaskID: "A"}}, []string{"ghost"})
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if !containsSubstring(res.Errors, `task not found: "ghost"`) {
		t.Fatalf("missing task error not reported: %v", res.Errors)
	}
}

func TestValidate_ReportsUnknownAllowedNextReference(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"nope"}},
	}, nil)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if !containsSubstring(res.Errors, `unknown task "nope"`) {
		t.Fatalf("unknown reference not reported: %v", res.Errors)
	}
}

func TestValidate_CycleListedOnce(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"B"}},
		{TaskID: "B", AllowedNext: []string{"C"}},
		{TaskID: "C", AllowedNext: []string{"A"}},
	}, nil)
	if res.Valid {
		t.Fatalf("expected invalid")
	}

	cycleErrs := 0
	for _, e := range res.Errors {
		if strings.Contains(e, "cycle detected") {
			cycleErrs++
			if !strings.Contains(e, "A -> B -> C -> A") {
				t.Fatalf("cycle path not canonical: %s", e)
			}
		}
	}
	if cycleErrs != 1 {
		t.Fatalf("expected exactly one cycle error, got %d: %v", cycleErrs, res.Errors)
	}
}

func TestValidate_SelfLoopIsACycle(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"A", "B", "A"}},
		{TaskID: "B"},
	}, nil)
	if res.Valid {
		t.Fatalf("expected invalid")
	}

	selfErrs := 0
	for _, e := range res.Errors {
		if strings.Contains(e, "A -> A") {
			selfErrs++
		}
	}
	if selfErrs != 1 {
		t.Fatalf("expected exactly one self-loop error, got %d: %v", selfErrs, res.Errors)
	}
}

func TestValidate_FullyCyclicGraphHasNoEntry(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"B"}},
		{TaskID: "B", AllowedNext: []string{"A"}},
	}, nil)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if !containsSubstring(res.Errors, "no entry tasks") {
		t.Fatalf("missing no-entry error: %v", res.Errors)
	}
}

func TestValidate_DisconnectedComponentsWarn(t *testing.T) {
	res := Validate([]Node{
		{TaskID: "A", AllowedNext: []string{"B"}},
		{TaskID: "B"},
		{TaskID: "X", AllowedNext: []string{"Y"}},
		{TaskID: "Y"},
	}, nil)
	if !res.Valid {
		t.Fatalf("disconnected components must not be an error: %v", res.Errors)
	}
	if !containsSubstring(res.Warnings, "2 disconnected components") {
		t.Fatalf("missing component warning: %v", res.Warnings)
	}
	if len(res.Components) != 2 {
		t.Fatalf("expected 2 components, got %v", res.Components)
	}
}

func TestValidate_DeepChainWarns(t *testing.T) {
	nodes := make([]Node, 0, 25)
	for i := 0; i < 25; i++ {
		n := Node{TaskID: taskName(i)}
		if i < 24 {
			n.AllowedNext = []string{taskName(i + 1)}
		}
		nodes = append(nodes, n)
	}
	res := Validate(nodes, nil)
	if !res.Valid {
		t.Fatalf("deep chain must be valid: %v", res.Errors)
	}
	if !containsSubstring(res.Warnings, "exceeds recommended maximum") {
		t.Fatalf("missing depth warning: %v", res.Warnings)
	}
}

func taskName(i int) string {
	return fmt.Sprintf("t%02d", i)
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
