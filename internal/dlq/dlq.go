// Package dlq persists permanently failed task runs for inspection and
// manual replay.
package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
	"go.uber.org/zap"
)

// Queue is the dead-letter queue.
type Queue struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Queue {
	return &Queue{store: st, log: log}
}

// Add dead-letters a run, capturing its full history so the entry can be
// replayed without the original row. A run that already has a live (not yet
// replayed) entry is not dead-lettered twice; the existing entry's ID is
// returned instead. Returns the DLQ entry ID.
func (q *Queue) Add(ctx context.Context, run core.TaskRun, errMsg string) (string, error) {
	id := "dlq_" + uuid.NewString()
	res, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO dlq (id, task_run_id, task_id, pipeline_run_id, code_version, code_hash,
			error, attempts, input_path, upstream_refs, previous_attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (task_run_id) WHERE retried_at IS NULL DO NOTHING`,
		id, run.ID, run.TaskID, run.PipelineRunID, run.CodeVersion, run.CodeHash,
		errMsg, run.Attempt, run.InputPath, run.UpstreamRefs, run.PreviousAttempts)
	if err != nil {
		return "", fmt.Errorf("dead-lettering run %q: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		var existing string
		err := q.store.DB().GetContext(ctx, &existing,
			`SELECT id FROM dlq WHERE task_run_id = $1 AND retried_at IS NULL`, run.ID)
		if err != nil {
			return "", fmt.Errorf("reading existing dlq entry for %q: %w", run.ID, err)
		}
		q.log.Debug("run already dead-lettered",
			zap.String("dlq", existing), zap.String("run", run.ID))
		return existing, nil
	}

	q.log.Warn("task run dead-lettered",
		zap.String("dlq", id),
		zap.String("run", run.ID),
		zap.String("task", run.TaskID),
		zap.Int("attempts", run.Attempt))
	return id, nil
}

// Get returns one entry by ID.
func (q *Queue) Get(ctx context.Context, id string) (*core.DLQEntry, error) {
	var entry core.DLQEntry
	err := q.store.DB().GetContext(ctx, &entry, `SELECT * FROM dlq WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("dlq entry %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dlq entry %q: %w", id, err)
	}
	return &entry, nil
}

// List returns not-yet-replayed entries, newest failures first.
func (q *Queue) List(ctx context.Context, limit, offset int) ([]core.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []core.DLQEntry{}
	err := q.store.DB().SelectContext(ctx, &out, `
		SELECT * FROM dlq
		WHERE retried_at IS NULL
		ORDER BY failed_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing dlq: %w", err)
	}
	return out, nil
}

// Count returns the number of entries that have not been replayed. Feeds the
// queue status aggregate.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().GetContext(ctx, &n,
		`SELECT count(*) FROM dlq WHERE retried_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("counting dlq: %w", err)
	}
	return n, nil
}

// MarkRetried records that the entry was replayed as newRunID.
func (q *Queue) MarkRetried(ctx context.Context, id, newRunID string) error {
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE dlq SET retried_at = now(), retry_run_id = $2
		WHERE id = $1 AND retried_at IS NULL`, id, newRunID)
	if err != nil {
		return fmt.Errorf("marking dlq entry %q retried: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.Conflictf("dlq entry %q missing or already retried", id)
	}
	return nil
}

// Delete removes one entry.
func (q *Queue) Delete(ctx context.Context, id string) error {
	res, err := q.store.DB().ExecContext(ctx, `DELETE FROM dlq WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting dlq entry %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFoundf("dlq entry %q", id)
	}
	return nil
}

// Purge deletes entries that failed more than retentionDays ago, replayed or
// not, and returns the number removed.
func (q *Queue) Purge(ctx context.Context, retentionDays int) (int64, error) {
	res, err := q.store.DB().ExecContext(ctx, `
		DELETE FROM dlq WHERE failed_at < now() - $1 * interval '1 day'`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("purging dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("dlq purged", zap.Int64("removed", n), zap.Int("retention_days", retentionDays))
	}
	return n, nil
}
