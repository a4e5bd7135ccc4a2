package core

import "testing"

func TestCanTransition_MonotoneProgression(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{RunPending, RunRunning},
		{RunPending, RunCancelled},
		{RunRunning, RunCompleted},
		{RunRunning, RunFailed},
		{RunRunning, RunTimeout},
		{RunFailed, RunPending},
		{RunTimeout, RunPending},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to RunStatus }{
		{RunPending, RunCompleted},
		{RunPending, RunFailed},
		{RunRunning, RunCancelled},
		{RunRunning, RunPending},
		{RunCompleted, RunPending},
		{RunCompleted, RunRunning},
		{RunCancelled, RunPending},
		{RunTimeout, RunRunning},
		{RunFailed, RunRunning},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestRunStatus_TerminalAndActiveArePartition(t *testing.T) {
	all := []RunStatus{
		RunPending, RunRunning, RunWaiting,
		RunCompleted, RunFailed, RunTimeout, RunCancelled,
	}
	for _, s := range all {
		if s.IsTerminal() == s.Active() {
			t.Fatalf("status %s must be exactly one of terminal/active", s)
		}
	}
}

func TestPipelineValidate_RejectsEntryMissingFromStructure(t *testing.T) {
	p := Pipeline{
		ID:          "p1",
		Name:        "demo",
		EntryTasks:  StringList{"a"},
		Structure:   Structure{"b": {AllowedNext: []string{}}},
		FailureMode: FailFast,
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for entry task missing from structure")
	}

	p.Structure["a"] = PipelineNode{AllowedNext: []string{"b"}}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
