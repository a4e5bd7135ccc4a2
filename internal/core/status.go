package core

// RunStatus is the lifecycle state of a single task run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is terminal (no further work happens).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts against drain and concurrency
// accounting (the run is still owed work).
func (s RunStatus) Active() bool {
	switch s {
	case RunPending, RunRunning, RunWaiting:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal task-run transition.
//
// The progression is monotone:
//   - pending may start (running) or be withdrawn (cancelled)
//   - running may finish (completed | failed | timeout)
//   - failed and timeout may re-enter pending, which is how a retry is
//     expressed: the same row returns to the queue with attempt+1
//
// Every UPDATE that moves a run between statuses carries the expected prior
// status in its WHERE clause, so an illegal transition shows up as zero rows
// affected rather than clobbered state.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunCompleted || to == RunFailed || to == RunTimeout
	case RunFailed, RunTimeout:
		return to == RunPending
	default:
		return false
	}
}

// PipelineRunStatus is the lifecycle state of a pipeline run.
type PipelineRunStatus string

const (
	PipelineRunning   PipelineRunStatus = "running"
	PipelineCompleted PipelineRunStatus = "completed"
	PipelineFailed    PipelineRunStatus = "failed"
)

// ServiceStatus is the registration state of a worker service.
type ServiceStatus string

const (
	ServiceActive       ServiceStatus = "active"
	ServiceInactive     ServiceStatus = "inactive"
	ServiceDisconnected ServiceStatus = "disconnected"
)

// RetryBackoff selects the delay growth between attempts.
type RetryBackoff string

const (
	BackoffFixed       RetryBackoff = "fixed"
	BackoffExponential RetryBackoff = "exponential"
)

// FailureMode controls how a pipeline run reacts to a failed task.
type FailureMode string

const (
	// FailFast cancels all still-pending runs of the pipeline run as soon as
	// any task fails terminally.
	FailFast FailureMode = "fail-fast"
	// FailContinue lets independent branches keep running; the pipeline run
	// is marked failed only once nothing is left in flight.
	FailContinue FailureMode = "continue"
)

// MaintenanceMode is the admission-control state of the orchestrator.
type MaintenanceMode string

const (
	ModeRunning     MaintenanceMode = "running"
	ModeWaiting     MaintenanceMode = "waiting_for_maintenance"
	ModeMaintenance MaintenanceMode = "maintenance"
)

// LevelType classifies one level of a topological execution plan.
type LevelType string

const (
	LevelEntry    LevelType = "entry"
	LevelParallel LevelType = "parallel"
	LevelJoin     LevelType = "join"
	LevelEnd      LevelType = "end"
)
