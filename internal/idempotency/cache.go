// Package idempotency stores previously computed task results keyed by a
// caller-supplied fingerprint.
//
// A cache hit at enqueue time returns the prior run's artifact without
// inserting a new task run; this is the exactly-once fast path for callers
// that retry submissions. The fingerprint is produced worker-side and should
// include the task's code version so a deployment invalidates old entries.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
	"go.uber.org/zap"
)

// Cache is the DB-backed idempotency cache. It shares the orchestrator's
// database so lookups and stores participate in the callers' transactions.
type Cache struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Cache {
	return &Cache{store: st, log: log}
}

// Lookup returns the cached entry for key iff it has not expired, or nil on
// a miss. Expired rows are left for CleanupExpired.
func (c *Cache) Lookup(ctx context.Context, q store.Queryer, key string) (*core.CacheEntry, error) {
	var entry core.CacheEntry
	err := q.GetContext(ctx, &entry,
		`SELECT * FROM idempotency_cache WHERE key = $1 AND expires_at > now()`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return &entry, nil
}

// StoreParams identifies the success owner whose artifact the key maps to.
type StoreParams struct {
	Key         string
	TaskID      string
	TaskRunID   string
	CodeVersion int
	OutputPath  string
	OutputSize  *int64
	Assets      core.AssetMap
	TTL         time.Duration
}

// Store upserts the entry by key, so at most one live row exists per key.
// A re-store refreshes the expiry window.
func (c *Cache) Store(ctx context.Context, q store.Queryer, p StoreParams) error {
	if p.TTL <= 0 {
		return fmt.Errorf("idempotency store: ttl must be positive")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_cache
			(key, task_id, task_run_id, code_version, output_path, output_size, assets, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now() + $8 * interval '1 second')
		ON CONFLICT (key) DO UPDATE
		SET task_id = EXCLUDED.task_id,
		    task_run_id = EXCLUDED.task_run_id,
		    code_version = EXCLUDED.code_version,
		    output_path = EXCLUDED.output_path,
		    output_size = EXCLUDED.output_size,
		    assets = EXCLUDED.assets,
		    cached_at = now(),
		    expires_at = EXCLUDED.expires_at`,
		p.Key, p.TaskID, p.TaskRunID, p.CodeVersion, p.OutputPath, p.OutputSize,
		p.Assets, int64(p.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// CleanupExpired bulk-deletes expired rows and returns the number removed.
// Driven by the cleanup CLI, not by request paths.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := c.store.DB().ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("expired idempotency entries removed", zap.Int64("count", n))
	}
	return n, nil
}
