package graph

import (
	"fmt"
	"sort"
	"strings"
)

// MaxRecommendedDepth is the plan depth beyond which validation warns; deeper
// pipelines still execute.
const MaxRecommendedDepth = 20

// ValidationResult is the structured outcome of validating a pipeline's task
// set. Errors make the pipeline unrunnable; warnings do not.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	EntryNodes []string   `json:"entryNodes"`
	EndNodes   []string   `json:"endNodes"`
	Components [][]string `json:"components"`
	MaxDepth   int        `json:"maxDepth"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate analyses the task set for structural problems.
//
// missing lists requested task IDs that could not be loaded; each produces a
// "task not found" error. On the loaded nodes it reports:
//   - allowed-next references to unknown tasks
//   - self-loops, reported as single-node cycles
//   - cycles (DFS with a recursion stack; each discovered cycle listed once)
//   - multiple connected components, treating edges as undirected (warning:
//     only the component reachable from the entry tasks executes)
//   - an empty entry set (error)
//   - plan depth beyond MaxRecommendedDepth (warning)
func Validate(nodes []Node, missing []string) *ValidationResult {
	res := &ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	for _, id := range missing {
		res.errorf("task not found: %q", id)
	}

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.TaskID] = true
	}
	for _, n := range nodes {
		selfReported := false
		for _, next := range n.AllowedNext {
			// Graph construction drops self-edges, so they must be caught
			// here; routed from the structure they would re-enqueue forever.
			if next == n.TaskID {
				if !selfReported {
					selfReported = true
					res.errorf("cycle detected: %s -> %s", n.TaskID, n.TaskID)
				}
				continue
			}
			if !known[next] {
				res.errorf("task %q references unknown task %q in allowedNext", n.TaskID, next)
			}
		}
	}

	g := New(nodes)

	for _, cycle := range g.findCycles() {
		res.errorf("cycle detected: %s", strings.Join(cycle, " -> "))
	}

	res.Components = g.connectedComponents()
	if len(res.Components) > 1 {
		res.warnf("pipeline has %d disconnected components; only tasks reachable from the entry set will execute",
			len(res.Components))
	}

	res.EntryNodes = g.EntryNodes()
	res.EndNodes = g.EndNodes()
	if len(res.EntryNodes) == 0 && g.Len() > 0 {
		res.errorf("pipeline has no entry tasks (every task has an in-edge)")
	}
	if g.Len() == 0 {
		res.errorf("pipeline has no tasks")
	}

	if len(res.Errors) == 0 {
		res.MaxDepth = g.MaxDepth(res.EntryNodes)
		if res.MaxDepth > MaxRecommendedDepth {
			res.warnf("pipeline depth %d exceeds recommended maximum %d", res.MaxDepth, MaxRecommendedDepth)
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// findCycles runs a DFS with an explicit recursion stack over nodes in sorted
// ID order. Each back edge yields one cycle path a -> b -> ... -> a; cycles
// are canonicalized by rotating the smallest ID first so the same cycle
// discovered from different start points is reported once.
func (g *Graph) findCycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	stack := make([]string, 0, len(g.order))
	onStack := make(map[string]int) // id -> index in stack

	cycles := make([][]string, 0)
	seen := make(map[string]bool)

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = gray
		onStack[id] = len(stack)
		stack = append(stack, id)

		for _, next := range g.succ[id] {
			switch color[next] {
			case white:
				dfs(next)
			case gray:
				// Back edge id -> next: the cycle is the stack slice from
				// next through id, closed back on next.
				cycle := append([]string(nil), stack[onStack[next]:]...)
				canon := canonicalizeCycle(cycle)
				key := strings.Join(canon, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, append(canon, canon[0]))
				}
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, id)
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			dfs(id)
		}
	}
	return cycles
}

// canonicalizeCycle rotates the cycle so the lexicographically smallest node
// comes first, making the representation independent of discovery order.
func canonicalizeCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[minIdx:]...)
	out = append(out, cycle[:minIdx]...)
	return out
}

// connectedComponents groups nodes treating edges as undirected. Components
// are ordered by their smallest member; members are sorted.
func (g *Graph) connectedComponents() [][]string {
	visited := make(map[string]bool, len(g.order))
	comps := make([][]string, 0)

	for _, start := range g.order {
		if visited[start] {
			continue
		}
		comp := make([]string, 0)
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, n := range g.succ[id] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
			for _, n := range g.pred[id] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}
