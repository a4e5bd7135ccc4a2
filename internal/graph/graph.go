package graph

import (
	"sort"

	"github.com/pipeweave/pipeweave/internal/core"
)

// Node is one task's structural view: its identity and declared successors.
// AllowedNext entries referencing tasks outside the node set are tolerated
// here and reported by Validate; Graph simply ignores dangling edges.
type Node struct {
	TaskID      string
	ServiceID   string
	AllowedNext []string
}

// Graph is an immutable pipeline structure with a precomputed reverse
// adjacency. It is safe for concurrent read access.
type Graph struct {
	nodes map[string]Node
	order []string // node IDs, sorted; fixes iteration order everywhere

	succ map[string][]string // forward edges, deduplicated, sorted
	pred map[string][]string // reverse edges, deduplicated, sorted
}

// New builds a Graph from nodes. Self-edges and edges to unknown task IDs
// are dropped; Validate reports both as errors.
func New(nodes []Node) *Graph {
	g := &Graph{
		nodes: make(map[string]Node, len(nodes)),
		succ:  make(map[string][]string, len(nodes)),
		pred:  make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		if _, exists := g.nodes[n.TaskID]; exists {
			continue
		}
		g.nodes[n.TaskID] = n
		g.order = append(g.order, n.TaskID)
	}
	sort.Strings(g.order)

	for _, id := range g.order {
		seen := make(map[string]struct{})
		for _, next := range g.nodes[id].AllowedNext {
			if next == id {
				continue
			}
			if _, known := g.nodes[next]; !known {
				continue
			}
			if _, dup := seen[next]; dup {
				continue
			}
			seen[next] = struct{}{}
			g.succ[id] = append(g.succ[id], next)
			g.pred[next] = append(g.pred[next], id)
		}
	}
	for id := range g.succ {
		sort.Strings(g.succ[id])
	}
	for id := range g.pred {
		sort.Strings(g.pred[id])
	}
	return g
}

// FromStructure builds a Graph from a frozen pipeline structure snapshot.
func FromStructure(s core.Structure) *Graph {
	nodes := make([]Node, 0, len(s))
	for id, node := range s {
		nodes = append(nodes, Node{TaskID: id, AllowedNext: node.AllowedNext})
	}
	return New(nodes)
}

// Has reports whether the task exists in the graph.
func (g *Graph) Has(taskID string) bool {
	_, ok := g.nodes[taskID]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Successors returns the direct successors of taskID in sorted order.
func (g *Graph) Successors(taskID string) []string {
	return append([]string(nil), g.succ[taskID]...)
}

// Predecessors returns the direct predecessors of taskID in sorted order.
// A task with two or more predecessors is a join task.
func (g *Graph) Predecessors(taskID string) []string {
	return append([]string(nil), g.pred[taskID]...)
}

// EntryNodes returns all tasks with no in-edges, sorted.
func (g *Graph) EntryNodes() []string {
	out := make([]string, 0)
	for _, id := range g.order {
		if len(g.pred[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// EndNodes returns all tasks with no out-edges, sorted.
func (g *Graph) EndNodes() []string {
	out := make([]string, 0)
	for _, id := range g.order {
		if len(g.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// IsReadyToRun reports whether every predecessor of taskID is in the
// completed set. Entry tasks are always ready.
func (g *Graph) IsReadyToRun(taskID string, completed map[string]bool) bool {
	for _, p := range g.pred[taskID] {
		if !completed[p] {
			return false
		}
	}
	return true
}

// Downstream returns the transitive successor closure of taskID, sorted.
// The start node is not included.
func (g *Graph) Downstream(taskID string) []string {
	return g.closure(taskID, g.succ)
}

// Upstream returns the transitive predecessor closure of taskID, sorted.
// The start node is not included.
func (g *Graph) Upstream(taskID string) []string {
	return g.closure(taskID, g.pred)
}

func (g *Graph) closure(start string, adj map[string][]string) []string {
	visited := map[string]bool{start: true}
	queue := append([]string(nil), adj[start]...)
	out := make([]string, 0)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		queue = append(queue, adj[id]...)
	}
	sort.Strings(out)
	return out
}

// Level is one stage of a topological execution plan.
type Level struct {
	Level    int                 `json:"level"`
	Tasks    []string            `json:"tasks"`
	Type     core.LevelType      `json:"type"`
	WaitsFor map[string][]string `json:"waitsFor,omitempty"`
}

// TopologicalLevels computes the staged execution plan reachable from the
// given entry tasks using in-degree counters (Kahn layering).
//
// Level typing:
//   - level 0 is always "entry"
//   - a level containing any task with two or more predecessors is a "join",
//     and WaitsFor lists those tasks' predecessors
//   - the last level is "end" when any of its tasks has no successors
//   - everything else is "parallel"
//
// Tasks within a level are sorted by ID; the plan for a given graph and entry
// set is therefore identical across invocations.
func (g *Graph) TopologicalLevels(entry []string) []Level {
	reachable := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if reachable[id] || !g.Has(id) {
			return
		}
		reachable[id] = true
		for _, next := range g.succ[id] {
			mark(next)
		}
	}
	for _, id := range entry {
		mark(id)
	}

	indeg := make(map[string]int, len(reachable))
	for id := range reachable {
		n := 0
		for _, p := range g.pred[id] {
			if reachable[p] {
				n++
			}
		}
		indeg[id] = n
	}
	// Entry tasks start the plan even when the structure declares in-edges to
	// them from elsewhere in the reachable set (defensive; validation rejects
	// such shapes as cycles anyway).
	for _, id := range entry {
		if reachable[id] {
			indeg[id] = 0
		}
	}

	levels := make([]Level, 0)
	emitted := make(map[string]bool, len(reachable))
	for len(emitted) < len(reachable) {
		frontier := make([]string, 0)
		for id := range reachable {
			if !emitted[id] && indeg[id] == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			break // cycle among reachable nodes; validation reports it
		}
		sort.Strings(frontier)

		waitsFor := make(map[string][]string)
		hasJoin := false
		hasEnd := false
		for _, id := range frontier {
			preds := g.pred[id]
			if len(preds) >= 2 {
				hasJoin = true
				waitsFor[id] = append([]string(nil), preds...)
			}
			if len(g.succ[id]) == 0 {
				hasEnd = true
			}
			emitted[id] = true
			for _, next := range g.succ[id] {
				if reachable[next] {
					indeg[next]--
				}
			}
		}

		lvl := Level{Level: len(levels), Tasks: frontier}
		switch {
		case len(levels) == 0:
			lvl.Type = core.LevelEntry
		case hasJoin:
			lvl.Type = core.LevelJoin
			lvl.WaitsFor = waitsFor
		case hasEnd && len(emitted) == len(reachable):
			lvl.Type = core.LevelEnd
		default:
			lvl.Type = core.LevelParallel
		}
		levels = append(levels, lvl)
	}
	return levels
}

// MaxDepth returns the number of levels reachable from the entry set.
func (g *Graph) MaxDepth(entry []string) int {
	return len(g.TopologicalLevels(entry))
}
