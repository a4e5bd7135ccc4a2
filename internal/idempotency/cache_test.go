package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/store"
)

func newMockCache(t *testing.T) (*Cache, *store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return New(st, zap.NewNop()), st, mock
}

func TestLookup_MissReturnsNilEntry(t *testing.T) {
	c, st, mock := newMockCache(t)

	mock.ExpectQuery(`SELECT \* FROM idempotency_cache`).
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	entry, err := c.Lookup(context.Background(), st.DB(), "absent")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestLookup_HitReturnsEntry(t *testing.T) {
	c, st, mock := newMockCache(t)

	mock.ExpectQuery(`SELECT \* FROM idempotency_cache`).
		WithArgs("v2-order-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"key", "task_id", "task_run_id", "code_version", "output_path", "cached_at", "expires_at",
		}).AddRow("v2-order-1", "resize", "trun_1", 2, "standalone/trun_1/output.json",
			time.Now(), time.Now().Add(time.Hour)))

	entry, err := c.Lookup(context.Background(), st.DB(), "v2-order-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "trun_1", entry.TaskRunID)
}

func TestStore_RejectsNonPositiveTTL(t *testing.T) {
	c, st, _ := newMockCache(t)

	err := c.Store(context.Background(), st.DB(), StoreParams{Key: "k", TTL: 0})
	require.Error(t, err)
}

func TestStore_UpsertsByKey(t *testing.T) {
	c, st, mock := newMockCache(t)

	mock.ExpectExec(`INSERT INTO idempotency_cache`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.Store(context.Background(), st.DB(), StoreParams{
		Key:         "v2-order-1",
		TaskID:      "resize",
		TaskRunID:   "trun_1",
		CodeVersion: 2,
		OutputPath:  "standalone/trun_1/output.json",
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpired_ReportsRemovedCount(t *testing.T) {
	c, _, mock := newMockCache(t)

	mock.ExpectExec(`DELETE FROM idempotency_cache WHERE expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := c.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
}
