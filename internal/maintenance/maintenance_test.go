package maintenance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
)

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return New(st, zap.NewNop()), mock
}

func stateRows(mode core.MaintenanceMode) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"mode", "mode_changed_at"}).
		AddRow(string(mode), time.Now())
}

func countRows(pending, running int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pending", "running"}).AddRow(pending, running)
}

func TestCanAcceptTasks_OnlyInRunningMode(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeRunning))
	require.True(t, m.CanAcceptTasks(context.Background()))

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeWaiting))
	require.False(t, m.CanAcceptTasks(context.Background()))
}

func TestRequestMaintenance_EmptyQueueGoesStraightToMaintenance(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeRunning))
	mock.ExpectQuery(`count\(\*\) FILTER`).
		WillReturnRows(countRows(0, 0))
	mock.ExpectQuery(`UPDATE maintenance_state`).
		WithArgs(string(core.ModeRunning), string(core.ModeMaintenance)).
		WillReturnRows(stateRows(core.ModeMaintenance))

	st, err := m.RequestMaintenance(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.ModeMaintenance, st.Mode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestMaintenance_BusyQueueParksInWaiting(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeRunning))
	mock.ExpectQuery(`count\(\*\) FILTER`).
		WillReturnRows(countRows(3, 1))
	mock.ExpectQuery(`UPDATE maintenance_state`).
		WithArgs(string(core.ModeRunning), string(core.ModeWaiting)).
		WillReturnRows(stateRows(core.ModeWaiting))

	st, err := m.RequestMaintenance(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.ModeWaiting, st.Mode)
}

func TestRequestMaintenance_RejectedOutsideRunning(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeMaintenance))

	_, err := m.RequestMaintenance(context.Background())
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestEnterMaintenance_RejectedWhileTasksRemain(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`count\(\*\) FILTER`).
		WillReturnRows(countRows(0, 2))

	_, err := m.EnterMaintenance(context.Background())
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestExitMaintenance_ReturnsToRunning(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeMaintenance))
	mock.ExpectQuery(`UPDATE maintenance_state`).
		WithArgs(string(core.ModeMaintenance), string(core.ModeRunning)).
		WillReturnRows(stateRows(core.ModeRunning))

	st, err := m.ExitMaintenance(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.ModeRunning, st.Mode)
}

func TestOnTaskStatusChange_AutoEntersMaintenanceOnceDrained(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeWaiting))
	mock.ExpectQuery(`count\(\*\) FILTER`).
		WillReturnRows(countRows(0, 0))
	mock.ExpectQuery(`UPDATE maintenance_state`).
		WithArgs(string(core.ModeWaiting), string(core.ModeMaintenance)).
		WillReturnRows(stateRows(core.ModeMaintenance))

	m.OnTaskStatusChange(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_DatabaseErrorIsNotAConflict(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeMaintenance))
	mock.ExpectQuery(`UPDATE maintenance_state`).
		WillReturnError(sql.ErrConnDone)

	_, err := m.ExitMaintenance(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, core.ErrConflict)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestOnTaskStatusChange_IgnoredOutsideWaiting(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery(`SELECT mode, mode_changed_at FROM maintenance_state`).
		WillReturnRows(stateRows(core.ModeRunning))

	m.OnTaskStatusChange(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}
