package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pipeweave/pipeweave/internal/core"
)

// UpsertPipeline saves a pipeline definition, bumping its version on every
// update. The structure stored here is the snapshot future triggers freeze.
func (e *Executor) UpsertPipeline(ctx context.Context, p core.Pipeline) (*core.Pipeline, error) {
	if err := p.Validate(); err != nil {
		return nil, core.Invalidf("pipeline %q: %v", p.ID, err)
	}

	var saved core.Pipeline
	err := e.store.DB().GetContext(ctx, &saved, `
		INSERT INTO pipelines (id, name, description, entry_tasks, structure, version, failure_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    entry_tasks = EXCLUDED.entry_tasks,
		    structure = EXCLUDED.structure,
		    version = pipelines.version + 1,
		    failure_mode = EXCLUDED.failure_mode,
		    updated_at = now()
		RETURNING *`,
		p.ID, p.Name, p.Description, p.EntryTasks, p.Structure, p.FailureMode)
	if err != nil {
		return nil, fmt.Errorf("saving pipeline %q: %w", p.ID, err)
	}
	return &saved, nil
}

// GetPipeline returns a definition by ID.
func (e *Executor) GetPipeline(ctx context.Context, id string) (*core.Pipeline, error) {
	var p core.Pipeline
	err := e.store.DB().GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("pipeline %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading pipeline %q: %w", id, err)
	}
	return &p, nil
}

// ListPipelines returns all definitions ordered by ID.
func (e *Executor) ListPipelines(ctx context.Context) ([]core.Pipeline, error) {
	out := []core.Pipeline{}
	err := e.store.DB().SelectContext(ctx, &out, `SELECT * FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	return out, nil
}

// GetPipelineRun returns a run by ID.
func (e *Executor) GetPipelineRun(ctx context.Context, id string) (*core.PipelineRun, error) {
	var run core.PipelineRun
	err := e.store.DB().GetContext(ctx, &run, `SELECT * FROM pipeline_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("pipeline run %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading pipeline run %q: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns runs newest first, optionally filtered by pipeline ID.
func (e *Executor) ListRuns(ctx context.Context, pipelineID string, limit, offset int) ([]core.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []core.PipelineRun{}
	var err error
	if pipelineID == "" {
		err = e.store.DB().SelectContext(ctx, &out, `
			SELECT * FROM pipeline_runs
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		err = e.store.DB().SelectContext(ctx, &out, `
			SELECT * FROM pipeline_runs
			WHERE pipeline_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`, pipelineID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pipeline runs: %w", err)
	}
	return out, nil
}
