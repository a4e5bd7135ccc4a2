// Package heartbeat tracks per-run worker liveness.
//
// Timers are in-process and cooperative, keyed by run ID. A run that misses
// two heartbeat intervals is marked timed out by a guarded DB transition, so
// a concurrent terminal write always wins. Timers do not survive a restart;
// SweepStale recovers orphaned running rows at startup.
package heartbeat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/store"
)

// TimeoutFunc is invoked after a run has been marked timed out, with the
// run's final row. It routes the run into retry or the DLQ.
type TimeoutFunc func(ctx context.Context, run core.TaskRun)

type tracked struct {
	taskID     string
	intervalMs int
	timer      *time.Timer
}

// Monitor owns the liveness timers.
type Monitor struct {
	store     *store.Store
	met       *metrics.Metrics
	log       *zap.Logger
	onTimeout TimeoutFunc

	mu     sync.Mutex
	timers map[string]*tracked
}

func New(st *store.Store, met *metrics.Metrics, log *zap.Logger) *Monitor {
	return &Monitor{
		store:  st,
		met:    met,
		log:    log,
		timers: make(map[string]*tracked),
	}
}

// SetTimeoutHandler wires the failure path. Must be called before tracking
// starts; kept out of New to break the construction cycle with the dispatcher.
func (m *Monitor) SetTimeoutHandler(fn TimeoutFunc) {
	m.onTimeout = fn
}

// StartTracking arms a timer for 2x the task's heartbeat interval. Tracking
// an already-tracked run rearms it.
func (m *Monitor) StartTracking(runID, taskID string, heartbeatIntervalMs int) {
	window := 2 * time.Duration(heartbeatIntervalMs) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.timers[runID]; ok {
		prev.timer.Stop()
	}
	m.timers[runID] = &tracked{
		taskID:     taskID,
		intervalMs: heartbeatIntervalMs,
		timer: time.AfterFunc(window, func() {
			m.expire(runID, taskID)
		}),
	}
}

// RecordHeartbeat persists liveness and progress, then resets the run's
// timer. Heartbeats for untracked runs still persist (the run may be tracked
// by a prior process) but cannot rearm.
func (m *Monitor) RecordHeartbeat(ctx context.Context, runID string, progress *int, message string) error {
	patch := core.JSONMap{}
	if progress != nil || message != "" {
		inner := map[string]any{}
		if progress != nil {
			inner["percent"] = *progress
		}
		if message != "" {
			inner["message"] = message
		}
		patch["progress"] = inner
	}

	res, err := m.store.DB().ExecContext(ctx, `
		UPDATE task_runs
		SET heartbeat_at = now(),
		    metadata = metadata || $2::jsonb
		WHERE id = $1 AND status = 'running'`, runID, patch)
	if err != nil {
		return fmt.Errorf("recording heartbeat for %q: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.Conflictf("run %q not running", runID)
	}

	m.mu.Lock()
	tr, ok := m.timers[runID]
	m.mu.Unlock()
	if ok {
		m.StartTracking(runID, tr.taskID, tr.intervalMs)
	}
	return nil
}

// CancelTracking stops and forgets the run's timer.
func (m *Monitor) CancelTracking(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.timers[runID]; ok {
		tr.timer.Stop()
		delete(m.timers, runID)
	}
}

// Tracking reports whether the run currently has an armed timer.
func (m *Monitor) Tracking(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[runID]
	return ok
}

// expire fires when a run misses its window. The transition is guarded: a
// run that completed or failed in the meantime is left untouched.
func (m *Monitor) expire(runID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	delete(m.timers, runID)
	m.mu.Unlock()

	var run core.TaskRun
	err := m.store.DB().GetContext(ctx, &run, `
		UPDATE task_runs
		SET status = 'timeout',
		    error = 'Task heartbeat timeout',
		    error_code = $2,
		    completed_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING *`, runID, core.ErrorCodeTimeout)
	if errors.Is(err, sql.ErrNoRows) {
		// The run reached a terminal state first; the concurrent writer wins.
		m.log.Debug("heartbeat expiry skipped", zap.String("run", runID))
		return
	}
	if err != nil {
		m.log.Error("heartbeat expiry failed", zap.String("run", runID), zap.Error(err))
		return
	}

	m.met.IncHeartbeatTimeout()
	m.log.Warn("task run timed out",
		zap.String("run", runID),
		zap.String("task", taskID),
		zap.Int("attempt", run.Attempt))

	if m.onTimeout != nil {
		m.onTimeout(ctx, run)
	}
}

// SweepStale recovers running rows whose last liveness signal predates two
// heartbeat intervals. Run once at startup, before the dispatcher: all
// in-memory timers died with the previous process, so these rows would
// otherwise hang forever.
func (m *Monitor) SweepStale(ctx context.Context) (int, error) {
	stale := []core.TaskRun{}
	err := m.store.DB().SelectContext(ctx, &stale, `
		UPDATE task_runs r
		SET status = 'timeout',
		    error = 'Task heartbeat timeout',
		    error_code = $1,
		    completed_at = now()
		FROM tasks t
		WHERE t.id = r.task_id
		  AND r.status = 'running'
		  AND COALESCE(r.heartbeat_at, r.started_at) <
		      now() - 2 * t.heartbeat_interval_ms * interval '1 millisecond'
		RETURNING r.*`, core.ErrorCodeTimeout)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale runs: %w", err)
	}

	for _, run := range stale {
		m.met.IncHeartbeatTimeout()
		m.log.Warn("stale run recovered as timeout",
			zap.String("run", run.ID), zap.String("task", run.TaskID))
		if m.onTimeout != nil {
			m.onTimeout(ctx, run)
		}
	}
	return len(stale), nil
}

// Stop cancels every timer. Used at shutdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.timers {
		tr.timer.Stop()
		delete(m.timers, id)
	}
}
