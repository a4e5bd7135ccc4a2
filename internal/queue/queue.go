// Package queue manages the task run queue: admission, concurrency-aware
// claiming, and guarded status transitions.
//
// Every transition UPDATE carries the expected prior status in its WHERE
// clause, so concurrent writers cannot clobber a terminal state; a zero
// row count surfaces as a conflict instead.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/idempotency"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/store"
	"go.uber.org/zap"
)

// StatusHook is invoked after a run reaches a terminal status. Maintenance
// registers one to auto-transition once the queue drains.
type StatusHook func(ctx context.Context)

// Manager is the queue manager.
type Manager struct {
	store *store.Store
	cache *idempotency.Cache
	met   *metrics.Metrics
	log   *zap.Logger
	hooks []StatusHook
}

func New(st *store.Store, cache *idempotency.Cache, met *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{store: st, cache: cache, met: met, log: log}
}

// AddStatusHook registers a terminal-status listener. Not safe to call after
// the dispatcher starts.
func (m *Manager) AddStatusHook(h StatusHook) {
	m.hooks = append(m.hooks, h)
}

func (m *Manager) notifyStatusChange(ctx context.Context) {
	for _, h := range m.hooks {
		h(ctx)
	}
}

// NotifyStatusChange fires the terminal-status hooks on behalf of transitions
// that bypass MarkCompleted/MarkFailed: heartbeat timeouts that dead-letter
// and bulk cancellations. Without it, a queue draining through one of those
// paths would never wake the maintenance auto-transition.
func (m *Manager) NotifyStatusChange(ctx context.Context) {
	m.notifyStatusChange(ctx)
}

// EnqueueRequest describes a new task run. The input blob itself is written
// by the caller; the queue only derives and stores its path.
type EnqueueRequest struct {
	TaskID         string              `json:"taskId"`
	PipelineRunID  *string             `json:"pipelineRunId,omitempty"`
	Priority       *int                `json:"priority,omitempty"`
	UpstreamRefs   core.UpstreamRefMap `json:"upstreamRefs,omitempty"`
	Metadata       core.JSONMap        `json:"metadata,omitempty"`
	IdempotencyKey *string             `json:"idempotencyKey,omitempty"`
	ScheduledFor   *time.Time          `json:"scheduledFor,omitempty"`
}

// EnqueueResult reports the run that will (or, on an idempotency hit, already
// did) satisfy the request.
type EnqueueResult struct {
	RunID     string         `json:"runId"`
	TaskID    string         `json:"taskId"`
	Status    core.RunStatus `json:"status"`
	InputPath string         `json:"inputPath"`
	Cached    bool           `json:"cached,omitempty"`
}

// InputPathFor derives the deterministic blob path for a run's input.
func InputPathFor(pipelineRunID *string, runID string) string {
	if pipelineRunID != nil {
		return fmt.Sprintf("runs/%s/tasks/%s/input.json", *pipelineRunID, runID)
	}
	return fmt.Sprintf("standalone/%s/input.json", runID)
}

// Enqueue inserts a pending run for the task, unless the idempotency key hits
// a live cache entry, in which case the cached result is returned and no row
// is inserted.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	var res *EnqueueResult
	err := m.store.Transaction(ctx, func(tx store.Queryer) error {
		var err error
		res, err = m.EnqueueTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EnqueueTx is Enqueue running on the caller's transaction, so pipeline
// triggering can insert the pipeline run and its entry tasks atomically.
func (m *Manager) EnqueueTx(ctx context.Context, tx store.Queryer, req EnqueueRequest) (*EnqueueResult, error) {
	task, err := registry.GetTask(ctx, tx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		hit, err := m.cache.Lookup(ctx, tx, *req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			m.met.IncIdempotencyHit()
			m.log.Debug("idempotency hit",
				zap.String("key", *req.IdempotencyKey),
				zap.String("run", hit.TaskRunID))
			return &EnqueueResult{
				RunID:     hit.TaskRunID,
				TaskID:    req.TaskID,
				Status:    core.RunCompleted,
				InputPath: hit.OutputPath,
				Cached:    true,
			}, nil
		}
	}

	runID := "trun_" + uuid.NewString()
	inputPath := InputPathFor(req.PipelineRunID, runID)

	priority := task.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, pipeline_run_id, status, code_version, code_hash,
			attempt, max_retries, priority, input_path, upstream_refs, previous_attempts,
			idempotency_key, scheduled_for, metadata, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, 1, $6, $7, $8, $9, '[]', $10, $11, $12, now())`,
		runID, req.TaskID, req.PipelineRunID, task.CodeVersion, task.CodeHash,
		task.MaxRetries, priority, inputPath, req.UpstreamRefs,
		req.IdempotencyKey, req.ScheduledFor, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("inserting task run for %q: %w", req.TaskID, err)
	}

	m.met.IncEnqueued()
	return &EnqueueResult{
		RunID:     runID,
		TaskID:    req.TaskID,
		Status:    core.RunPending,
		InputPath: inputPath,
	}, nil
}

// EnqueueBatch enqueues each request in input order, best effort: one item's
// failure does not unwind earlier items. Results and errors are positional.
func (m *Manager) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) ([]*EnqueueResult, []error) {
	results := make([]*EnqueueResult, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		results[i], errs[i] = m.Enqueue(ctx, req)
	}
	return results, errs
}

// GetNext claims up to limit dispatchable runs: pending, past any scheduled
// delay, and within the task's concurrency cap (0 = unlimited). Ordering is
// priority ascending with FIFO tie-break on creation time.
//
// The selection is not serializable with the later markRunning; a single
// orchestrator tolerates the window because a slightly-over-cap dispatch
// still lands in a valid running state, and heartbeats plus retries absorb
// duplicated work.
func (m *Manager) GetNext(ctx context.Context, limit int) ([]core.TaskRun, error) {
	if limit <= 0 {
		return nil, nil
	}
	runs := []core.TaskRun{}
	err := m.store.DB().SelectContext(ctx, &runs, `
		SELECT tr.* FROM task_runs tr
		JOIN tasks t ON t.id = tr.task_id
		WHERE tr.status = 'pending'
		  AND (tr.scheduled_for IS NULL OR tr.scheduled_for <= now())
		  AND (t.concurrency = 0 OR
		       (SELECT count(*) FROM task_runs r
		        WHERE r.task_id = tr.task_id AND r.status = 'running') < t.concurrency)
		ORDER BY tr.priority ASC, tr.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting runnable tasks: %w", err)
	}
	return runs, nil
}

// GetRun returns a run by ID.
func (m *Manager) GetRun(ctx context.Context, runID string) (*core.TaskRun, error) {
	var run core.TaskRun
	err := m.store.DB().GetContext(ctx, &run, `SELECT * FROM task_runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("task run %q", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task run %q: %w", runID, err)
	}
	return &run, nil
}

// MarkRunning transitions pending -> running.
func (m *Manager) MarkRunning(ctx context.Context, runID string) error {
	res, err := m.store.DB().ExecContext(ctx, `
		UPDATE task_runs SET status = 'running', started_at = now(), heartbeat_at = now()
		WHERE id = $1 AND status = 'pending'`, runID)
	if err != nil {
		return fmt.Errorf("marking %q running: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.Conflictf("run %q is not pending", runID)
	}
	return nil
}

// CompletionParams carries a successful run's outputs.
type CompletionParams struct {
	OutputPath string
	OutputSize *int64
	Assets     core.AssetMap
	LogsPath   *string
}

// MarkCompleted transitions running -> completed, records outputs, stores the
// idempotency result when the run carries a key and its task declares a TTL,
// and fires terminal-status hooks.
func (m *Manager) MarkCompleted(ctx context.Context, runID string, p CompletionParams) (*core.TaskRun, error) {
	metaPatch := core.JSONMap{}
	if p.LogsPath != nil {
		metaPatch["logsPath"] = *p.LogsPath
	}

	var run core.TaskRun
	err := m.store.Transaction(ctx, func(tx store.Queryer) error {
		row := tx.QueryRowxContext(ctx, `
			UPDATE task_runs
			SET status = 'completed', output_path = $2, output_size = $3, assets = $4,
			    metadata = metadata || $5::jsonb, completed_at = now()
			WHERE id = $1 AND status = 'running'
			RETURNING *`,
			runID, p.OutputPath, p.OutputSize, p.Assets, metaPatch)
		if err := row.StructScan(&run); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.Conflictf("run %q is not running", runID)
			}
			return fmt.Errorf("marking %q completed: %w", runID, err)
		}

		if run.IdempotencyKey == nil || *run.IdempotencyKey == "" {
			return nil
		}
		task, err := registry.GetTask(ctx, tx, run.TaskID)
		if err != nil {
			return err
		}
		if task.IdempotencyTTLSec <= 0 {
			return nil
		}
		return m.cache.Store(ctx, tx, idempotency.StoreParams{
			Key:         *run.IdempotencyKey,
			TaskID:      run.TaskID,
			TaskRunID:   run.ID,
			CodeVersion: run.CodeVersion,
			OutputPath:  p.OutputPath,
			OutputSize:  p.OutputSize,
			Assets:      p.Assets,
			TTL:         time.Duration(task.IdempotencyTTLSec) * time.Second,
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("task run completed",
		zap.String("run", runID),
		zap.String("task", run.TaskID),
		zap.String("output", p.OutputPath))
	m.notifyStatusChange(ctx)
	return &run, nil
}

// MarkFailed transitions running -> failed. A run that already timed out
// stays timed out: the timeout is the authoritative terminal state and the
// late failure report is dropped.
func (m *Manager) MarkFailed(ctx context.Context, runID, errMsg, errCode string) error {
	res, err := m.store.DB().ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'failed', error = $2, error_code = nullif($3, ''), completed_at = now()
		WHERE id = $1 AND status = 'running'`, runID, errMsg, errCode)
	if err != nil {
		return fmt.Errorf("marking %q failed: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		run, err := m.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == core.RunTimeout || run.Status == core.RunFailed {
			return nil
		}
		return core.Conflictf("run %q is %s, cannot fail", runID, run.Status)
	}

	m.log.Warn("task run failed",
		zap.String("run", runID),
		zap.String("error", errMsg),
		zap.String("error_code", errCode))
	m.notifyStatusChange(ctx)
	return nil
}

// Status is the aggregate view used by health checks and maintenance gating.
type Status struct {
	Pending       int        `json:"pending"`
	Running       int        `json:"running"`
	Waiting       int        `json:"waiting"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	Timeout       int        `json:"timeout"`
	Cancelled     int        `json:"cancelled"`
	DLQ           int        `json:"dlq"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}

// GetStatus aggregates run counts by status plus the not-yet-replayed DLQ
// depth and the age marker of the oldest pending run.
func (m *Manager) GetStatus(ctx context.Context) (*Status, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := m.store.DB().SelectContext(ctx, &rows,
		`SELECT status, count(*) AS count FROM task_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("aggregating queue status: %w", err)
	}

	st := &Status{}
	for _, r := range rows {
		switch core.RunStatus(r.Status) {
		case core.RunPending:
			st.Pending = r.Count
		case core.RunRunning:
			st.Running = r.Count
		case core.RunWaiting:
			st.Waiting = r.Count
		case core.RunCompleted:
			st.Completed = r.Count
		case core.RunFailed:
			st.Failed = r.Count
		case core.RunTimeout:
			st.Timeout = r.Count
		case core.RunCancelled:
			st.Cancelled = r.Count
		}
	}

	err = m.store.DB().GetContext(ctx, &st.DLQ,
		`SELECT count(*) FROM dlq WHERE retried_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("counting dlq for status: %w", err)
	}

	var oldest sql.NullTime
	err = m.store.DB().GetContext(ctx, &oldest,
		`SELECT min(created_at) FROM task_runs WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("reading oldest pending: %w", err)
	}
	if oldest.Valid {
		st.OldestPending = &oldest.Time
	}

	m.met.SetPendingDepth(st.Pending)
	return st, nil
}

// CanRunTask reports whether the task's concurrency cap admits another run.
func (m *Manager) CanRunTask(ctx context.Context, taskID string) (bool, error) {
	var row struct {
		Concurrency int `db:"concurrency"`
		Running     int `db:"running"`
	}
	err := m.store.DB().GetContext(ctx, &row, `
		SELECT t.concurrency,
		       (SELECT count(*) FROM task_runs r
		        WHERE r.task_id = t.id AND r.status = 'running') AS running
		FROM tasks t WHERE t.id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, core.NotFoundf("task %q", taskID)
	}
	if err != nil {
		return false, fmt.Errorf("checking concurrency for %q: %w", taskID, err)
	}
	return row.Concurrency == 0 || row.Running < row.Concurrency, nil
}
