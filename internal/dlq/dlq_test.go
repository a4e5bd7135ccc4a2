package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return New(st, zap.NewNop()), mock
}

func TestAdd_CapturesRunHistory(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`INSERT INTO dlq`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := q.Add(context.Background(), core.TaskRun{
		ID:          "trun_1",
		TaskID:      "resize",
		CodeVersion: 2,
		CodeHash:    "abcd1234abcd1234",
		Attempt:     3,
		InputPath:   "standalone/trun_1/input.json",
	}, "worker crashed")
	require.NoError(t, err)
	require.Contains(t, id, "dlq_")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdd_DuplicateFailureReportReturnsExistingEntry(t *testing.T) {
	q, mock := newMockQueue(t)

	// The insert loses against the live-entry unique index; the run must not
	// be dead-lettered twice.
	mock.ExpectExec(`INSERT INTO dlq`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM dlq WHERE task_run_id =`).
		WithArgs("trun_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("dlq_first"))

	id, err := q.Add(context.Background(), core.TaskRun{
		ID:     "trun_1",
		TaskID: "resize",
	}, "worker crashed")
	require.NoError(t, err)
	require.Equal(t, "dlq_first", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`SELECT \* FROM dlq WHERE id =`).
		WithArgs("dlq_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := q.Get(context.Background(), "dlq_missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestList_SkipsReplayedEntries(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`WHERE retried_at IS NULL`).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_run_id", "task_id", "error", "attempts", "failed_at"}).
			AddRow("dlq_2", "trun_2", "resize", "boom", 3, time.Now()).
			AddRow("dlq_1", "trun_1", "resize", "boom", 3, time.Now().Add(-time.Hour)))

	entries, err := q.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "dlq_2", entries[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRetried_ConflictOnSecondReplay(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE dlq SET retried_at = now\(\)`).
		WithArgs("dlq_1", "trun_new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.MarkRetried(context.Background(), "dlq_1", "trun_new")
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestPurge_DeletesByRetention(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`DELETE FROM dlq WHERE failed_at <`).
		WithArgs(30).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := q.Purge(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
}
