// Package core defines the domain models shared by all PipeWeave components.
//
// It is intentionally split into:
//   - Persisted entities (Service, Task, Pipeline, PipelineRun, TaskRun, ...)
//     with explicit, observable fields and Validate methods
//   - Enumerations (statuses, failure modes, maintenance modes) and the
//     validated task-run status transition table
//
// The entities mirror the relational schema one-to-one; JSON-typed columns
// use the Scanner/Valuer wrappers in json.go so rows scan directly into the
// structs defined here.
package core
