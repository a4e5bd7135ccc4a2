package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/retry"
	"github.com/pipeweave/pipeweave/internal/store"
)

// PipelineNotifier receives terminal task failures so the owning pipeline
// run can react (fail-fast cancellation or completion accounting).
// Satisfied by the pipeline executor.
type PipelineNotifier interface {
	HandleTaskFailure(ctx context.Context, run core.TaskRun) error
}

// Router is the single failure path shared by the callback handler, the
// dispatcher's synchronous errors, and heartbeat timeouts. Policy: retry
// while the attempt budget lasts, then dead-letter and notify the pipeline.
type Router struct {
	store    *store.Store
	queue    *queue.Manager
	retries  *retry.Manager
	dlq      *dlq.Queue
	pipeline PipelineNotifier
	met      *metrics.Metrics
	log      *zap.Logger
}

func NewRouter(st *store.Store, qm *queue.Manager, rm *retry.Manager, dq *dlq.Queue,
	pn PipelineNotifier, met *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{store: st, queue: qm, retries: rm, dlq: dq, pipeline: pn, met: met, log: log}
}

// FailRun marks a running run failed, then routes it. Used by the callback
// handler and by dispatch errors, where the run is still 'running'.
func (r *Router) FailRun(ctx context.Context, runID, errMsg, errCode string) error {
	if err := r.queue.MarkFailed(ctx, runID, errMsg, errCode); err != nil {
		return err
	}
	run, err := r.queue.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return r.Route(ctx, *run)
}

// Route decides retry versus dead-letter for a run already in a terminal
// failed or timeout state. Heartbeat timeouts enter here directly.
func (r *Router) Route(ctx context.Context, run core.TaskRun) error {
	if !run.Status.IsTerminal() {
		return core.Conflictf("run %q is %s, not terminal", run.ID, run.Status)
	}
	if run.Status == core.RunCompleted || run.Status == core.RunCancelled {
		return nil
	}

	task, err := registry.GetTask(ctx, r.store.DB(), run.TaskID)
	if err != nil {
		return fmt.Errorf("routing failure for %q: %w", run.ID, err)
	}

	errMsg := ""
	if run.Error != nil {
		errMsg = *run.Error
	}
	errCode := ""
	if run.ErrorCode != nil {
		errCode = *run.ErrorCode
	}

	scheduled, err := r.retries.ScheduleRetry(ctx, retry.Request{
		RunID:           run.ID,
		TaskID:          run.TaskID,
		Attempt:         run.Attempt,
		MaxRetries:      run.MaxRetries,
		Backoff:         task.RetryBackoff,
		RetryDelayMs:    task.RetryDelayMs,
		MaxRetryDelayMs: task.MaxRetryDelayMs,
		Error:           errMsg,
		ErrorCode:       errCode,
	})
	if err != nil {
		return err
	}
	if scheduled {
		r.met.IncRetryScheduled()
		return nil
	}

	if _, err := r.dlq.Add(ctx, run, errMsg); err != nil {
		return err
	}
	r.met.IncDeadLettered()

	if run.PipelineRunID != nil && r.pipeline != nil {
		if err := r.pipeline.HandleTaskFailure(ctx, run); err != nil {
			r.log.Error("pipeline failure handling failed",
				zap.String("run", run.ID),
				zap.Stringp("pipeline_run", run.PipelineRunID),
				zap.Error(err))
		}
	}

	// The run drained into the DLQ without passing MarkFailed (heartbeat
	// timeouts land here already terminal), so the queue hooks fire now.
	r.queue.NotifyStatusChange(ctx)
	return nil
}
