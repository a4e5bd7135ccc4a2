package registry

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/store"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return New(st, zap.NewNop()), mock
}

func registerReq() RegisterRequest {
	return RegisterRequest{
		ServiceID: "imgsvc",
		Version:   "1.0.0",
		BaseURL:   "http://imgsvc:8080",
		Tasks:     []TaskSpec{baseSpec()},
	}
}

func TestRegister_NewServiceAndTask(t *testing.T) {
	reg, mock := newMockRegistry(t)
	req := registerReq()
	hash := CodeHash(req.Tasks[0])

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM services WHERE id =`).
		WithArgs("imgsvc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO services`).
		WithArgs("imgsvc", "1.0.0", "http://imgsvc:8080").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT code_hash, code_version FROM tasks WHERE id =`).
		WithArgs("resize").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_code_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := reg.Register(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.CodeChanges, 1)
	require.Equal(t, CodeChange{TaskID: "resize", OldVersion: 0, NewVersion: 1, CodeHash: hash}, res.CodeChanges[0])
	require.Empty(t, res.OrphanedTasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_UnchangedTaskKeepsVersionAndSkipsHistory(t *testing.T) {
	reg, mock := newMockRegistry(t)
	req := registerReq()
	hash := CodeHash(req.Tasks[0])

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM services WHERE id =`).
		WithArgs("imgsvc").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0"))
	mock.ExpectExec(`INSERT INTO services`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT code_hash, code_version FROM tasks WHERE id =`).
		WithArgs("resize").
		WillReturnRows(sqlmock.NewRows([]string{"code_hash", "code_version"}).AddRow(hash, 3))
	// Task upsert still runs (idempotent), but no history insert follows.
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := reg.Register(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, res.CodeChanges)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_ChangedHashBumpsVersion(t *testing.T) {
	reg, mock := newMockRegistry(t)
	req := registerReq()
	hash := CodeHash(req.Tasks[0])

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM services WHERE id =`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0"))
	mock.ExpectExec(`INSERT INTO services`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT code_hash, code_version FROM tasks WHERE id =`).
		WillReturnRows(sqlmock.NewRows([]string{"code_hash", "code_version"}).AddRow("deadbeefdeadbeef", 3))
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_code_history`).
		WithArgs("resize", 4, hash, "1.0.0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := reg.Register(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.CodeChanges, 1)
	require.Equal(t, 4, res.CodeChanges[0].NewVersion)
	require.Equal(t, 3, res.CodeChanges[0].OldVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_VersionChangeOrphansRemovedTasks(t *testing.T) {
	reg, mock := newMockRegistry(t)
	req := registerReq()
	req.Version = "2.0.0"
	hash := CodeHash(req.Tasks[0])

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM services WHERE id =`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0"))
	mock.ExpectExec(`INSERT INTO services`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id FROM tasks WHERE service_id =`).
		WithArgs("imgsvc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("old-task").AddRow("resize"))
	mock.ExpectExec(`UPDATE task_runs\s+SET status = 'cancelled'`).
		WithArgs("old-task", "Task type removed in version 2.0.0").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT code_hash, code_version FROM tasks WHERE id =`).
		WillReturnRows(sqlmock.NewRows([]string{"code_hash", "code_version"}).AddRow(hash, 1))
	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := reg.Register(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{"old-task"}, res.OrphanedTasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_InvalidRequestRejectedBeforeAnyWrite(t *testing.T) {
	reg, mock := newMockRegistry(t)
	req := registerReq()
	req.Tasks[0].RetryBackoff = "bogus"

	_, err := reg.Register(context.Background(), req)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
