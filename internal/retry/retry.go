// Package retry reschedules failed task runs with backoff.
//
// A retry does not mint a new run: the existing row returns to pending with
// attempt+1, a future scheduled_for, cleared error fields, and the failed
// attempt appended to the run's history. The queue re-claims the row once
// the scheduled time passes.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
	"go.uber.org/zap"
)

// Request carries everything needed to decide and schedule a retry.
type Request struct {
	RunID           string
	TaskID          string
	Attempt         int
	MaxRetries      int
	Backoff         core.RetryBackoff
	RetryDelayMs    int
	MaxRetryDelayMs int
	Error           string
	ErrorCode       string
}

// Manager schedules retries.
type Manager struct {
	store *store.Store
	log   *zap.Logger

	// defaultMaxDelayMs caps exponential growth for task defs that do not
	// declare their own ceiling.
	defaultMaxDelayMs int
}

func New(st *store.Store, defaultMaxDelayMs int, log *zap.Logger) *Manager {
	return &Manager{store: st, defaultMaxDelayMs: defaultMaxDelayMs, log: log}
}

// Delay computes the wait before the next attempt.
//
// fixed backoff waits retryDelayMs every time; exponential doubles per
// attempt (delay × 2^(attempt−1)) capped at maxRetryDelayMs.
func Delay(backoff core.RetryBackoff, attempt, retryDelayMs, maxRetryDelayMs int) time.Duration {
	if retryDelayMs <= 0 {
		return 0
	}
	if backoff != core.BackoffExponential {
		return time.Duration(retryDelayMs) * time.Millisecond
	}
	delay := int64(retryDelayMs)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxRetryDelayMs > 0 && delay >= int64(maxRetryDelayMs) {
			delay = int64(maxRetryDelayMs)
			break
		}
	}
	if maxRetryDelayMs > 0 && delay > int64(maxRetryDelayMs) {
		delay = int64(maxRetryDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}

// ScheduleRetry returns false without touching the run when attempts are
// exhausted (attempt >= maxRetries + 1 would exceed the budget); the caller
// must dead-letter. Otherwise it atomically returns the run to pending with
// the failed attempt appended to its history.
func (m *Manager) ScheduleRetry(ctx context.Context, req Request) (bool, error) {
	if req.Attempt >= req.MaxRetries+1 {
		return false, nil
	}

	maxDelay := req.MaxRetryDelayMs
	if maxDelay <= 0 {
		maxDelay = m.defaultMaxDelayMs
	}
	delay := Delay(req.Backoff, req.Attempt, req.RetryDelayMs, maxDelay)

	record := core.AttemptList{{
		Attempt:   req.Attempt,
		Error:     req.Error,
		ErrorCode: req.ErrorCode,
		Timestamp: time.Now().UTC(),
	}}

	res, err := m.store.DB().ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'pending',
		    attempt = attempt + 1,
		    scheduled_for = now() + $2 * interval '1 millisecond',
		    error = NULL,
		    error_code = NULL,
		    started_at = NULL,
		    heartbeat_at = NULL,
		    previous_attempts = previous_attempts || $3::jsonb
		WHERE id = $1 AND status IN ('failed', 'timeout')`,
		req.RunID, delay.Milliseconds(), record)
	if err != nil {
		return false, fmt.Errorf("scheduling retry for %q: %w", req.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, core.Conflictf("run %q not in a retryable state", req.RunID)
	}

	m.log.Info("retry scheduled",
		zap.String("run", req.RunID),
		zap.String("task", req.TaskID),
		zap.Int("next_attempt", req.Attempt+1),
		zap.Duration("delay", delay),
		zap.String("error_code", req.ErrorCode))
	return true, nil
}
