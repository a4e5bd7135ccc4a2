// Package pipeline triggers pipeline runs and advances them as tasks finish:
// join-aware downstream queueing, failure-mode enforcement, and terminal
// status accounting.
//
// All routing decisions for a live run consult its frozen structure snapshot,
// never the current pipeline definition, so an edit mid-run cannot change the
// shape of work already in flight.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/graph"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Executor drives pipeline runs.
type Executor struct {
	store     *store.Store
	queue     *queue.Manager
	validator *Validator
	log       *zap.Logger
}

func NewExecutor(st *store.Store, qm *queue.Manager, v *Validator, log *zap.Logger) *Executor {
	return &Executor{store: st, queue: qm, validator: v, log: log}
}

// TriggerRequest starts a pipeline.
type TriggerRequest struct {
	PipelineID  string            `json:"pipelineId"`
	FailureMode *core.FailureMode `json:"failureMode,omitempty"`
	Priority    *int              `json:"priority,omitempty"`
	Metadata    core.JSONMap      `json:"metadata,omitempty"`
}

// TriggerResult reports the minted run and its entry work.
type TriggerResult struct {
	PipelineRunID    string                 `json:"pipelineRunId"`
	Status           core.PipelineRunStatus `json:"status"`
	InputPath        string                 `json:"inputPath"`
	EntryTaskIDs     []string               `json:"entryTaskIds"`
	QueuedTaskRunIDs []string               `json:"queuedTaskRunIds"`
}

// TriggerPipeline validates the definition, then atomically inserts the
// pipeline run (with the structure snapshot) and its entry task runs.
func (e *Executor) TriggerPipeline(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	p, err := e.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}

	validation, err := e.validator.Validate(ctx, *p)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, core.Invalidf("pipeline %q: %v", p.ID, validation.Errors)
	}
	for _, w := range validation.Warnings {
		e.log.Warn("pipeline validation warning",
			zap.String("pipeline", p.ID), zap.String("warning", w))
	}

	failureMode := p.FailureMode
	if req.FailureMode != nil {
		failureMode = *req.FailureMode
	}

	runID := "prun_" + uuid.NewString()
	inputPath := fmt.Sprintf("runs/%s/input.json", runID)

	queued := make([]string, 0, len(p.EntryTasks))
	err = e.store.Transaction(ctx, func(tx store.Queryer) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_runs (id, pipeline_id, pipeline_version, structure_snapshot,
				status, input_path, failure_mode, metadata, created_at)
			VALUES ($1, $2, $3, $4, 'running', $5, $6, $7, now())`,
			runID, p.ID, p.Version, p.Structure, inputPath, failureMode, req.Metadata)
		if err != nil {
			return fmt.Errorf("inserting pipeline run: %w", err)
		}

		for _, entry := range p.EntryTasks {
			res, err := e.queue.EnqueueTx(ctx, tx, queue.EnqueueRequest{
				TaskID:        entry,
				PipelineRunID: &runID,
				Priority:      req.Priority,
				Metadata:      req.Metadata,
			})
			if err != nil {
				return err
			}
			queued = append(queued, res.RunID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("pipeline triggered",
		zap.String("pipeline", p.ID),
		zap.String("run", runID),
		zap.Int("entry_tasks", len(p.EntryTasks)))

	return &TriggerResult{
		PipelineRunID:    runID,
		Status:           core.PipelineRunning,
		InputPath:        inputPath,
		EntryTaskIDs:     append([]string(nil), p.EntryTasks...),
		QueuedTaskRunIDs: queued,
	}, nil
}

// QueueDownstream advances the pipeline after a task run completes. Returns
// the newly queued task run IDs; empty for standalone runs, for ends of the
// graph (which instead drive completion accounting), and for pipeline runs
// already in a terminal state, whose in-flight survivors complete without
// queueing successors.
//
// selectedNext, when non-nil, is the worker's dynamic routing choice; it is
// intersected with the snapshot's allowed edges, and invalid selections are
// dropped with a warning rather than failing the completed task.
func (e *Executor) QueueDownstream(ctx context.Context, completedRunID string, selectedNext []string) ([]string, error) {
	run, err := e.queue.GetRun(ctx, completedRunID)
	if err != nil {
		return nil, err
	}
	if run.PipelineRunID == nil {
		return nil, nil
	}
	if run.Status != core.RunCompleted {
		return nil, core.Conflictf("run %q is %s, not completed", run.ID, run.Status)
	}

	prun, err := e.GetPipelineRun(ctx, *run.PipelineRunID)
	if err != nil {
		return nil, err
	}
	if prun.Status != core.PipelineRunning {
		// The run finished (fail-fast, typically) while this task was still
		// executing. Its result stands, but no downstream work may start.
		e.log.Info("pipeline run no longer running, downstream work not queued",
			zap.String("pipeline_run", prun.ID),
			zap.String("pipeline_run_status", string(prun.Status)),
			zap.String("run", run.ID))
		return nil, nil
	}
	snapshot := prun.StructureSnapshot

	allowed := snapshot[run.TaskID].AllowedNext
	next := allowed
	if selectedNext != nil {
		allowedSet := make(map[string]bool, len(allowed))
		for _, id := range allowed {
			allowedSet[id] = true
		}
		next = nil
		for _, id := range selectedNext {
			if allowedSet[id] {
				next = append(next, id)
				continue
			}
			e.log.Warn("selected next task not in allowed routing, dropped",
				zap.String("run", run.ID),
				zap.String("task", run.TaskID),
				zap.String("selected", id))
		}
	}

	if len(next) == 0 {
		if err := e.CheckCompletion(ctx, prun.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	queued := []string{}
	for _, nextID := range next {
		runID, err := e.queueNext(ctx, *prun, *run, nextID)
		if err != nil {
			return nil, err
		}
		if runID != "" {
			queued = append(queued, runID)
		}
	}
	return queued, nil
}

// queueNext enqueues one downstream task, honoring join synchronization.
// Returns "" when the join is not yet ready or a live run already exists.
func (e *Executor) queueNext(ctx context.Context, prun core.PipelineRun, completed core.TaskRun, nextID string) (string, error) {
	preds := predecessorsOf(prun.StructureSnapshot, nextID)

	var queuedID string
	err := e.store.Transaction(ctx, func(tx store.Queryer) error {
		if len(preds) > 1 {
			ready, err := e.joinReady(ctx, tx, prun.ID, preds)
			if err != nil {
				return err
			}
			if !ready {
				e.log.Debug("join not ready",
					zap.String("pipeline_run", prun.ID),
					zap.String("task", nextID))
				return nil
			}

			// A retried predecessor can re-trigger a ready join; one live
			// run per (pipeline run, task) keeps the trigger idempotent.
			var live int
			err = tx.GetContext(ctx, &live, `
				SELECT count(*) FROM task_runs
				WHERE pipeline_run_id = $1 AND task_id = $2
				  AND status IN ('pending', 'running', 'waiting', 'completed')`,
				prun.ID, nextID)
			if err != nil {
				return fmt.Errorf("checking join guard: %w", err)
			}
			if live > 0 {
				e.log.Debug("join already triggered",
					zap.String("pipeline_run", prun.ID),
					zap.String("task", nextID))
				return nil
			}
		}

		refs, err := e.upstreamRefs(ctx, tx, prun.ID, preds)
		if err != nil {
			return err
		}

		res, err := e.queue.EnqueueTx(ctx, tx, queue.EnqueueRequest{
			TaskID:        nextID,
			PipelineRunID: &prun.ID,
			Priority:      &completed.Priority,
			UpstreamRefs:  refs,
			Metadata:      completed.Metadata,
		})
		if err != nil {
			return err
		}
		queuedID = res.RunID
		return nil
	})
	if err != nil {
		return "", err
	}
	return queuedID, nil
}

// predecessorsOf lists tasks in the snapshot whose routing includes taskID.
func predecessorsOf(snapshot core.Structure, taskID string) []string {
	preds := []string{}
	for id, node := range snapshot {
		for _, next := range node.AllowedNext {
			if next == taskID {
				preds = append(preds, id)
				break
			}
		}
	}
	sort.Strings(preds)
	return preds
}

// joinReady reports whether every predecessor has at least one completed run
// in this pipeline run.
func (e *Executor) joinReady(ctx context.Context, tx store.Queryer, pipelineRunID string, preds []string) (bool, error) {
	query, args, err := sqlx.In(`
		SELECT count(DISTINCT task_id) FROM task_runs
		WHERE pipeline_run_id = ?
		  AND status = 'completed'
		  AND task_id IN (?)`, pipelineRunID, preds)
	if err != nil {
		return false, fmt.Errorf("checking join readiness: %w", err)
	}
	var done int
	if err := tx.GetContext(ctx, &done, tx.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("checking join readiness: %w", err)
	}
	return done == len(preds), nil
}

// upstreamRefs maps each predecessor to its most recent completed run's
// artifact; a retried predecessor contributes its latest success.
func (e *Executor) upstreamRefs(ctx context.Context, tx store.Queryer, pipelineRunID string, preds []string) (core.UpstreamRefMap, error) {
	query, args, err := sqlx.In(`
		SELECT DISTINCT ON (task_id) task_id, output_path, assets
		FROM task_runs
		WHERE pipeline_run_id = ?
		  AND status = 'completed'
		  AND task_id IN (?)
		ORDER BY task_id, completed_at DESC`, pipelineRunID, preds)
	if err != nil {
		return nil, fmt.Errorf("loading upstream refs: %w", err)
	}
	rows := []struct {
		TaskID     string        `db:"task_id"`
		OutputPath *string       `db:"output_path"`
		Assets     core.AssetMap `db:"assets"`
	}{}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading upstream refs: %w", err)
	}

	refs := core.UpstreamRefMap{}
	for _, row := range rows {
		ref := core.UpstreamRef{Assets: row.Assets}
		if row.OutputPath != nil {
			ref.OutputPath = *row.OutputPath
		}
		refs[row.TaskID] = ref
	}
	return refs, nil
}

// HandleTaskFailure reacts to a terminally failed task run: fail-fast cancels
// the run's remaining pending work and fails the pipeline run immediately;
// continue mode only checks whether the run has drained.
func (e *Executor) HandleTaskFailure(ctx context.Context, run core.TaskRun) error {
	if run.PipelineRunID == nil {
		return nil
	}
	prun, err := e.GetPipelineRun(ctx, *run.PipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status != core.PipelineRunning {
		return nil
	}

	if prun.FailureMode == core.FailFast {
		return e.store.Transaction(ctx, func(tx store.Queryer) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE task_runs
				SET status = 'cancelled',
				    error = 'Pipeline failed in fail-fast mode',
				    completed_at = now()
				WHERE pipeline_run_id = $1 AND status = 'pending'`, prun.ID)
			if err != nil {
				return fmt.Errorf("cancelling pending tasks of %q: %w", prun.ID, err)
			}
			cancelled, _ := res.RowsAffected()

			if _, err := tx.ExecContext(ctx, `
				UPDATE pipeline_runs
				SET status = 'failed', completed_at = now()
				WHERE id = $1 AND status = 'running'`, prun.ID); err != nil {
				return fmt.Errorf("failing pipeline run %q: %w", prun.ID, err)
			}

			e.log.Warn("pipeline run failed fast",
				zap.String("pipeline_run", prun.ID),
				zap.String("failed_task_run", run.ID),
				zap.Int64("cancelled", cancelled))
			return nil
		})
	}

	return e.CheckCompletion(ctx, prun.ID)
}

// CheckCompletion marks the pipeline run terminal once no active task runs
// remain: failed if anything failed, timed out, or was cancelled, otherwise
// completed. A no-op while work is still in flight.
func (e *Executor) CheckCompletion(ctx context.Context, pipelineRunID string) error {
	var counts struct {
		Active int `db:"active"`
		Failed int `db:"failed"`
	}
	err := e.store.DB().GetContext(ctx, &counts, `
		SELECT
			count(*) FILTER (WHERE status IN ('pending', 'running', 'waiting')) AS active,
			count(*) FILTER (WHERE status IN ('failed', 'timeout', 'cancelled')) AS failed
		FROM task_runs
		WHERE pipeline_run_id = $1`, pipelineRunID)
	if err != nil {
		return fmt.Errorf("counting runs of %q: %w", pipelineRunID, err)
	}
	if counts.Active > 0 {
		return nil
	}

	status := core.PipelineCompleted
	if counts.Failed > 0 {
		status = core.PipelineFailed
	}

	res, err := e.store.DB().ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2, completed_at = now()
		WHERE id = $1 AND status = 'running'`, pipelineRunID, status)
	if err != nil {
		return fmt.Errorf("completing pipeline run %q: %w", pipelineRunID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		e.log.Info("pipeline run finished",
			zap.String("pipeline_run", pipelineRunID),
			zap.String("status", string(status)))
	}
	return nil
}

// DryRunResult is a validation report plus the topological execution plan.
type DryRunResult struct {
	PipelineID string                  `json:"pipelineId"`
	Validation *graph.ValidationResult `json:"validation"`
	Plan       []graph.Level           `json:"plan,omitempty"`
}

// DryRun validates the pipeline and, when valid, returns the level plan that
// a trigger would execute.
func (e *Executor) DryRun(ctx context.Context, pipelineID string) (*DryRunResult, error) {
	p, err := e.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	validation, err := e.validator.Validate(ctx, *p)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{PipelineID: p.ID, Validation: validation}
	if validation.Valid {
		g := graph.FromStructure(p.Structure)
		result.Plan = g.TopologicalLevels(p.EntryTasks)
	}
	return result, nil
}
