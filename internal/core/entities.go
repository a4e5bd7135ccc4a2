package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes attached to task runs by the orchestrator itself. Worker-reported
// failures carry whatever code the worker supplied.
const (
	ErrorCodeTimeout        = "TIMEOUT"
	ErrorCodeDispatchFailed = "DISPATCH_FAILED"
)

// Service is a registered worker service. It owns zero or more tasks.
type Service struct {
	ID            string        `db:"id" json:"id"`
	Version       string        `db:"version" json:"version"`
	BaseURL       string        `db:"base_url" json:"baseUrl"`
	RegisteredAt  time.Time     `db:"registered_at" json:"registeredAt"`
	LastHeartbeat time.Time     `db:"last_heartbeat" json:"lastHeartbeat"`
	Status        ServiceStatus `db:"status" json:"status"`
}

// Task is a task definition owned by a service.
//
// CodeHash is the 16-hex-char prefix of the content digest of the task's
// canonical configuration; CodeVersion strictly increases whenever CodeHash
// changes and is untouched by re-registration with identical content.
type Task struct {
	ID                  string       `db:"id" json:"id"`
	ServiceID           string       `db:"service_id" json:"serviceId"`
	CodeHash            string       `db:"code_hash" json:"codeHash"`
	CodeVersion         int          `db:"code_version" json:"codeVersion"`
	AllowedNext         StringList   `db:"allowed_next" json:"allowedNext"`
	TimeoutSec          int          `db:"timeout_sec" json:"timeoutSec"`
	MaxRetries          int          `db:"max_retries" json:"maxRetries"`
	RetryBackoff        RetryBackoff `db:"retry_backoff" json:"retryBackoff"`
	RetryDelayMs        int          `db:"retry_delay_ms" json:"retryDelayMs"`
	MaxRetryDelayMs     int          `db:"max_retry_delay_ms" json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int          `db:"heartbeat_interval_ms" json:"heartbeatIntervalMs"`
	Concurrency         int          `db:"concurrency" json:"concurrency"`
	Priority            int          `db:"priority" json:"priority"`
	IdempotencyTTLSec   int          `db:"idempotency_ttl_sec" json:"idempotencyTtlSec,omitempty"`
	Description         string       `db:"description" json:"description,omitempty"`
}

// TaskCodeHistory is an append-only record of a task's code changes, one row
// per distinct (taskId, codeHash).
type TaskCodeHistory struct {
	TaskID         string    `db:"task_id" json:"taskId"`
	CodeVersion    int       `db:"code_version" json:"codeVersion"`
	CodeHash       string    `db:"code_hash" json:"codeHash"`
	ServiceVersion string    `db:"service_version" json:"serviceVersion"`
	RecordedAt     time.Time `db:"recorded_at" json:"recordedAt"`
}

// Pipeline is a named DAG definition. Structure is a snapshot captured at
// upsert time from the declared tasks' routing.
type Pipeline struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Description string      `db:"description" json:"description,omitempty"`
	EntryTasks  StringList  `db:"entry_tasks" json:"entryTasks"`
	Structure   Structure   `db:"structure" json:"structure"`
	Version     int         `db:"version" json:"version"`
	FailureMode FailureMode `db:"failure_mode" json:"failureMode"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

func (p Pipeline) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(p.EntryTasks) == 0 {
		errs = append(errs, errors.New("entryTasks must not be empty"))
	}
	switch p.FailureMode {
	case FailFast, FailContinue:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failureMode %q", p.FailureMode))
	}
	for _, entry := range p.EntryTasks {
		if _, ok := p.Structure[entry]; !ok {
			errs = append(errs, fmt.Errorf("entry task %q missing from structure", entry))
		}
	}
	return errors.Join(errs...)
}

// PipelineRun is a live invocation of a pipeline. StructureSnapshot is frozen
// at trigger time; all routing and join decisions for this run consult the
// snapshot, never the live pipeline definition.
type PipelineRun struct {
	ID                string            `db:"id" json:"id"`
	PipelineID        string            `db:"pipeline_id" json:"pipelineId"`
	PipelineVersion   int               `db:"pipeline_version" json:"pipelineVersion"`
	StructureSnapshot Structure         `db:"structure_snapshot" json:"structureSnapshot"`
	Status            PipelineRunStatus `db:"status" json:"status"`
	InputPath         string            `db:"input_path" json:"inputPath"`
	FailureMode       FailureMode       `db:"failure_mode" json:"failureMode"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	Metadata          JSONMap           `db:"metadata" json:"metadata,omitempty"`
}

// TaskRun is one execution (with its retried attempts sharing the row) of a
// task against a concrete input.
//
// Invariants:
//   - Attempt <= MaxRetries + 1
//   - PreviousAttempts is append-only, totally ordered by attempt
//   - CodeVersion/CodeHash are frozen at enqueue time
type TaskRun struct {
	ID               string         `db:"id" json:"id"`
	TaskID           string         `db:"task_id" json:"taskId"`
	PipelineRunID    *string        `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	Status           RunStatus      `db:"status" json:"status"`
	CodeVersion      int            `db:"code_version" json:"codeVersion"`
	CodeHash         string         `db:"code_hash" json:"codeHash"`
	Attempt          int            `db:"attempt" json:"attempt"`
	MaxRetries       int            `db:"max_retries" json:"maxRetries"`
	Priority         int            `db:"priority" json:"priority"`
	InputPath        string         `db:"input_path" json:"inputPath"`
	OutputPath       *string        `db:"output_path" json:"outputPath,omitempty"`
	OutputSize       *int64         `db:"output_size" json:"outputSize,omitempty"`
	Assets           AssetMap       `db:"assets" json:"assets,omitempty"`
	UpstreamRefs     UpstreamRefMap `db:"upstream_refs" json:"upstreamRefs,omitempty"`
	PreviousAttempts AttemptList    `db:"previous_attempts" json:"previousAttempts"`
	IdempotencyKey   *string        `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	ScheduledFor     *time.Time     `db:"scheduled_for" json:"scheduledFor,omitempty"`
	HeartbeatAt      *time.Time     `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
	StartedAt        *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	Error            *string        `db:"error" json:"error,omitempty"`
	ErrorCode        *string        `db:"error_code" json:"errorCode,omitempty"`
	Metadata         JSONMap        `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
}

// DLQEntry records a task run that exhausted its retries, with enough context
// for manual or automated replay.
type DLQEntry struct {
	ID               string         `db:"id" json:"id"`
	TaskRunID        string         `db:"task_run_id" json:"taskRunId"`
	TaskID           string         `db:"task_id" json:"taskId"`
	PipelineRunID    *string        `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	CodeVersion      int            `db:"code_version" json:"codeVersion"`
	CodeHash         string         `db:"code_hash" json:"codeHash"`
	Error            string         `db:"error" json:"error"`
	Attempts         int            `db:"attempts" json:"attempts"`
	InputPath        string         `db:"input_path" json:"inputPath"`
	UpstreamRefs     UpstreamRefMap `db:"upstream_refs" json:"upstreamRefs,omitempty"`
	PreviousAttempts AttemptList    `db:"previous_attempts" json:"previousAttempts"`
	FailedAt         time.Time      `db:"failed_at" json:"failedAt"`
	RetriedAt        *time.Time     `db:"retried_at" json:"retriedAt,omitempty"`
	RetryRunID       *string        `db:"retry_run_id" json:"retryRunId,omitempty"`
}

// CacheEntry is a stored idempotency result: at most one live (non-expired)
// entry exists per key.
type CacheEntry struct {
	Key         string    `db:"key" json:"key"`
	TaskID      string    `db:"task_id" json:"taskId"`
	TaskRunID   string    `db:"task_run_id" json:"taskRunId"`
	CodeVersion int       `db:"code_version" json:"codeVersion"`
	OutputPath  string    `db:"output_path" json:"outputPath"`
	OutputSize  *int64    `db:"output_size" json:"outputSize,omitempty"`
	Assets      AssetMap  `db:"assets" json:"assets,omitempty"`
	CachedAt    time.Time `db:"cached_at" json:"cachedAt"`
	ExpiresAt   time.Time `db:"expires_at" json:"expiresAt"`
}

// MaintenanceState is the singleton admission-control row.
type MaintenanceState struct {
	Mode          MaintenanceMode `db:"mode" json:"mode"`
	ModeChangedAt time.Time       `db:"mode_changed_at" json:"modeChangedAt"`
}
