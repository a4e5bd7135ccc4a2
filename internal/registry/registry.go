// Package registry maintains worker services and their task definitions.
//
// Registration is idempotent: re-registering identical task configurations
// leaves code versions untouched, while any configuration change bumps the
// task's code version and appends a code-history row. Tasks absent from a
// new service version are orphaned — their pending runs are cancelled but
// the definitions are retained for history.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
	"go.uber.org/zap"
)

// TaskSpec is one task's configuration as submitted at registration time.
type TaskSpec struct {
	ID                  string            `json:"id"`
	AllowedNext         []string          `json:"allowedNext"`
	TimeoutSec          int               `json:"timeoutSec"`
	MaxRetries          int               `json:"maxRetries"`
	RetryBackoff        core.RetryBackoff `json:"retryBackoff"`
	RetryDelayMs        int               `json:"retryDelayMs"`
	MaxRetryDelayMs     int               `json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int               `json:"heartbeatIntervalMs"`
	Concurrency         int               `json:"concurrency"`
	Priority            int               `json:"priority"`
	IdempotencyTTLSec   int               `json:"idempotencyTtlSec"`
	Description         string            `json:"description"`
}

func (t TaskSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, errors.New("task id is required"))
	}
	switch t.RetryBackoff {
	case core.BackoffFixed, core.BackoffExponential:
		// ok
	default:
		errs = append(errs, fmt.Errorf("task %q: invalid retryBackoff %q", t.ID, t.RetryBackoff))
	}
	if t.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("task %q: maxRetries must be >= 0", t.ID))
	}
	if t.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("task %q: concurrency must be >= 0", t.ID))
	}
	if t.HeartbeatIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("task %q: heartbeatIntervalMs must be > 0", t.ID))
	}
	return errors.Join(errs...)
}

// RegisterRequest is a service announcing itself and its tasks.
type RegisterRequest struct {
	ServiceID string     `json:"serviceId"`
	Version   string     `json:"version"`
	BaseURL   string     `json:"baseUrl"`
	Tasks     []TaskSpec `json:"tasks"`
}

func (r RegisterRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ServiceID) == "" {
		errs = append(errs, errors.New("serviceId is required"))
	}
	if strings.TrimSpace(r.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if strings.TrimSpace(r.BaseURL) == "" {
		errs = append(errs, errors.New("baseUrl is required"))
	}
	seen := make(map[string]bool, len(r.Tasks))
	for _, t := range r.Tasks {
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CodeChange reports one task whose configuration hash changed.
type CodeChange struct {
	TaskID     string `json:"taskId"`
	OldVersion int    `json:"oldVersion"`
	NewVersion int    `json:"newVersion"`
	CodeHash   string `json:"codeHash"`
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	CodeChanges   []CodeChange `json:"codeChanges"`
	OrphanedTasks []string     `json:"orphanedTasks,omitempty"`
}

// Registry upserts services and task definitions.
type Registry struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Registry {
	return &Registry{store: st, log: log}
}

// Register upserts the service and all its tasks in one transaction, so a
// failure leaves no partial state.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := req.Validate(); err != nil {
		return nil, core.Invalidf("register: %v", err)
	}

	res := &RegisterResult{CodeChanges: []CodeChange{}}
	err := r.store.Transaction(ctx, func(tx store.Queryer) error {
		prevVersion, err := r.upsertService(ctx, tx, req)
		if err != nil {
			return err
		}

		if prevVersion != "" && prevVersion != req.Version {
			orphaned, err := r.orphanRemovedTasks(ctx, tx, req)
			if err != nil {
				return err
			}
			res.OrphanedTasks = orphaned
		}

		for _, spec := range req.Tasks {
			change, err := r.upsertTask(ctx, tx, req, spec)
			if err != nil {
				return err
			}
			if change != nil {
				res.CodeChanges = append(res.CodeChanges, *change)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("service registered",
		zap.String("service", req.ServiceID),
		zap.String("version", req.Version),
		zap.Int("tasks", len(req.Tasks)),
		zap.Int("code_changes", len(res.CodeChanges)),
		zap.Strings("orphaned", res.OrphanedTasks))
	return res, nil
}

// upsertService writes the service row and returns the previously stored
// version string ("" for a first registration).
func (r *Registry) upsertService(ctx context.Context, tx store.Queryer, req RegisterRequest) (string, error) {
	var prev string
	err := tx.GetContext(ctx, &prev, `SELECT version FROM services WHERE id = $1`, req.ServiceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reading previous service version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO services (id, version, base_url, registered_at, last_heartbeat, status)
		VALUES ($1, $2, $3, now(), now(), 'active')
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    base_url = EXCLUDED.base_url,
		    last_heartbeat = now(),
		    status = 'active'`,
		req.ServiceID, req.Version, req.BaseURL)
	if err != nil {
		return "", fmt.Errorf("upserting service %q: %w", req.ServiceID, err)
	}
	return prev, nil
}

// orphanRemovedTasks cancels pending runs of tasks the new service version no
// longer declares. Task rows are retained so history stays resolvable.
func (r *Registry) orphanRemovedTasks(ctx context.Context, tx store.Queryer, req RegisterRequest) ([]string, error) {
	var existing []string
	err := tx.SelectContext(ctx, &existing,
		`SELECT id FROM tasks WHERE service_id = $1 ORDER BY id`, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("listing existing tasks: %w", err)
	}

	incoming := make(map[string]bool, len(req.Tasks))
	for _, t := range req.Tasks {
		incoming[t.ID] = true
	}

	orphaned := make([]string, 0)
	for _, id := range existing {
		if incoming[id] {
			continue
		}
		orphaned = append(orphaned, id)
		reason := fmt.Sprintf("Task type removed in version %s", req.Version)
		_, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET status = 'cancelled', error = $2, completed_at = now()
			WHERE task_id = $1 AND status = 'pending'`, id, reason)
		if err != nil {
			return nil, fmt.Errorf("cancelling pending runs of orphaned task %q: %w", id, err)
		}
	}
	if len(orphaned) == 0 {
		return nil, nil
	}
	return orphaned, nil
}

func (r *Registry) upsertTask(ctx context.Context, tx store.Queryer, req RegisterRequest, spec TaskSpec) (*CodeChange, error) {
	hash := CodeHash(spec)

	var existing struct {
		CodeHash    string `db:"code_hash"`
		CodeVersion int    `db:"code_version"`
	}
	err := tx.GetContext(ctx, &existing,
		`SELECT code_hash, code_version FROM tasks WHERE id = $1`, spec.ID)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return nil, fmt.Errorf("reading task %q: %w", spec.ID, err)
	}

	version := 1
	var change *CodeChange
	switch {
	case isNew:
		change = &CodeChange{TaskID: spec.ID, OldVersion: 0, NewVersion: 1, CodeHash: hash}
	case existing.CodeHash == hash:
		version = existing.CodeVersion
	default:
		version = existing.CodeVersion + 1
		change = &CodeChange{
			TaskID:     spec.ID,
			OldVersion: existing.CodeVersion,
			NewVersion: version,
			CodeHash:   hash,
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, service_id, code_hash, code_version, allowed_next,
			timeout_sec, max_retries, retry_backoff, retry_delay_ms, max_retry_delay_ms,
			heartbeat_interval_ms, concurrency, priority, idempotency_ttl_sec, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE
		SET service_id = EXCLUDED.service_id,
		    code_hash = EXCLUDED.code_hash,
		    code_version = EXCLUDED.code_version,
		    allowed_next = EXCLUDED.allowed_next,
		    timeout_sec = EXCLUDED.timeout_sec,
		    max_retries = EXCLUDED.max_retries,
		    retry_backoff = EXCLUDED.retry_backoff,
		    retry_delay_ms = EXCLUDED.retry_delay_ms,
		    max_retry_delay_ms = EXCLUDED.max_retry_delay_ms,
		    heartbeat_interval_ms = EXCLUDED.heartbeat_interval_ms,
		    concurrency = EXCLUDED.concurrency,
		    priority = EXCLUDED.priority,
		    idempotency_ttl_sec = EXCLUDED.idempotency_ttl_sec,
		    description = EXCLUDED.description`,
		spec.ID, req.ServiceID, hash, version, core.StringList(spec.AllowedNext),
		spec.TimeoutSec, spec.MaxRetries, string(spec.RetryBackoff), spec.RetryDelayMs,
		spec.MaxRetryDelayMs, spec.HeartbeatIntervalMs, spec.Concurrency, spec.Priority,
		spec.IdempotencyTTLSec, spec.Description)
	if err != nil {
		return nil, fmt.Errorf("upserting task %q: %w", spec.ID, err)
	}

	if change != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_code_history (task_id, code_version, code_hash, service_version, recorded_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (task_id, code_hash) DO NOTHING`,
			spec.ID, version, hash, req.Version)
		if err != nil {
			return nil, fmt.Errorf("recording code history for %q: %w", spec.ID, err)
		}
	}
	return change, nil
}

// GetService returns a service by ID.
func (r *Registry) GetService(ctx context.Context, id string) (*core.Service, error) {
	var svc core.Service
	err := r.store.DB().GetContext(ctx, &svc, `SELECT * FROM services WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("service %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading service %q: %w", id, err)
	}
	return &svc, nil
}

// ListServices returns all services ordered by ID.
func (r *Registry) ListServices(ctx context.Context) ([]core.Service, error) {
	out := []core.Service{}
	if err := r.store.DB().SelectContext(ctx, &out, `SELECT * FROM services ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	return out, nil
}

// GetTask returns a task definition by ID.
func (r *Registry) GetTask(ctx context.Context, id string) (*core.Task, error) {
	return GetTask(ctx, r.store.DB(), id)
}

// GetTask loads a task definition through the given Queryer so callers can
// resolve defs inside their own transactions.
func GetTask(ctx context.Context, q store.Queryer, id string) (*core.Task, error) {
	var task core.Task
	err := q.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("task %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %q: %w", id, err)
	}
	return &task, nil
}

// ListTasksForService returns the service's task definitions ordered by ID.
func (r *Registry) ListTasksForService(ctx context.Context, serviceID string) ([]core.Task, error) {
	out := []core.Task{}
	err := r.store.DB().SelectContext(ctx, &out,
		`SELECT * FROM tasks WHERE service_id = $1 ORDER BY id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for service %q: %w", serviceID, err)
	}
	return out, nil
}

// GetTaskCodeHistory returns the task's code changes, newest first.
func (r *Registry) GetTaskCodeHistory(ctx context.Context, taskID string) ([]core.TaskCodeHistory, error) {
	out := []core.TaskCodeHistory{}
	err := r.store.DB().SelectContext(ctx, &out,
		`SELECT * FROM task_code_history WHERE task_id = $1 ORDER BY code_version DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing code history for %q: %w", taskID, err)
	}
	return out, nil
}

// LoadTasks fetches the requested task definitions, reporting which IDs do
// not exist. Used by pipeline validation.
func (r *Registry) LoadTasks(ctx context.Context, ids []string) (found []core.Task, missing []string, err error) {
	found = []core.Task{}
	if len(ids) == 0 {
		return found, nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, nil, err
	}
	query = r.store.DB().Rebind(query)
	if err := r.store.DB().SelectContext(ctx, &found, query, args...); err != nil {
		return nil, nil, fmt.Errorf("loading tasks: %w", err)
	}

	have := make(map[string]bool, len(found))
	for _, t := range found {
		have[t.ID] = true
	}
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}
