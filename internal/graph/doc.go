// Package graph defines the deterministic pipeline graph model.
//
// It is intentionally split into:
//   - Immutable graph structure (Graph): task nodes plus forward and reverse
//     adjacency derived from declared allowed-next edges
//   - Pure analysis over that structure: validation (cycles, disconnected
//     components, entry/end detection) and topological execution planning
//
// All traversal is by task ID lookup; the structure holds no ownership and no
// language-level cycles exist. Every exported operation iterates nodes in
// sorted ID order so repeated invocations yield identical results.
package graph
