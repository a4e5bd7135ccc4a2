// Package maintenance is the admission-control state machine.
//
// Modes cycle running -> waiting_for_maintenance -> maintenance -> running.
// The dispatcher refuses to claim work unless the mode is running;
// maintenance never preempts tasks already in flight, it only waits for the
// queue to drain. The mode lives in a singleton DB row so it survives
// restarts and is shared by every component.
package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Manager owns the singleton maintenance row.
type Manager struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Manager {
	return &Manager{store: st, log: log}
}

// State returns the current mode and when it last changed.
func (m *Manager) State(ctx context.Context) (*core.MaintenanceState, error) {
	var st core.MaintenanceState
	err := m.store.DB().GetContext(ctx, &st,
		`SELECT mode, mode_changed_at FROM maintenance_state WHERE singleton`)
	if err != nil {
		return nil, fmt.Errorf("reading maintenance state: %w", err)
	}
	return &st, nil
}

// CanAcceptTasks reports whether new work may start. Errors close the gate:
// a dispatcher that cannot read the mode must not dispatch.
func (m *Manager) CanAcceptTasks(ctx context.Context) bool {
	st, err := m.State(ctx)
	if err != nil {
		m.log.Error("maintenance mode unreadable, refusing work", zap.Error(err))
		return false
	}
	return st.Mode == core.ModeRunning
}

// RequestMaintenance starts draining. With an already-empty queue the mode
// goes straight to maintenance; otherwise it parks in
// waiting_for_maintenance until OnTaskStatusChange observes the drain.
func (m *Manager) RequestMaintenance(ctx context.Context) (*core.MaintenanceState, error) {
	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if st.Mode != core.ModeRunning {
		return nil, core.Conflictf("maintenance already %s", st.Mode)
	}

	pending, running, err := m.activeCounts(ctx)
	if err != nil {
		return nil, err
	}

	target := core.ModeWaiting
	if pending == 0 && running == 0 {
		target = core.ModeMaintenance
	}
	return m.transition(ctx, core.ModeRunning, target)
}

// EnterMaintenance forces the maintenance mode; rejected while any task run
// is pending or running.
func (m *Manager) EnterMaintenance(ctx context.Context) (*core.MaintenanceState, error) {
	pending, running, err := m.activeCounts(ctx)
	if err != nil {
		return nil, err
	}
	if pending > 0 || running > 0 {
		return nil, core.Conflictf("%d pending and %d running tasks remain", pending, running)
	}

	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if st.Mode == core.ModeMaintenance {
		return st, nil
	}
	return m.transition(ctx, st.Mode, core.ModeMaintenance)
}

// ExitMaintenance returns to running from either non-running mode.
func (m *Manager) ExitMaintenance(ctx context.Context) (*core.MaintenanceState, error) {
	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if st.Mode == core.ModeRunning {
		return nil, core.Conflictf("not in maintenance")
	}
	return m.transition(ctx, st.Mode, core.ModeRunning)
}

// OnTaskStatusChange is the queue's terminal-status hook: while waiting for
// maintenance, the last task draining flips the mode automatically.
func (m *Manager) OnTaskStatusChange(ctx context.Context) {
	st, err := m.State(ctx)
	if err != nil {
		m.log.Error("maintenance hook: state unreadable", zap.Error(err))
		return
	}
	if st.Mode != core.ModeWaiting {
		return
	}

	pending, running, err := m.activeCounts(ctx)
	if err != nil {
		m.log.Error("maintenance hook: counts unreadable", zap.Error(err))
		return
	}
	if pending == 0 && running == 0 {
		if _, err := m.transition(ctx, core.ModeWaiting, core.ModeMaintenance); err != nil {
			m.log.Error("maintenance hook: transition failed", zap.Error(err))
		}
	}
}

// transition is a guarded mode change: the WHERE clause loses against a
// concurrent change, which surfaces as a conflict. Other database errors
// propagate as-is.
func (m *Manager) transition(ctx context.Context, from, to core.MaintenanceMode) (*core.MaintenanceState, error) {
	var st core.MaintenanceState
	err := m.store.DB().GetContext(ctx, &st, `
		UPDATE maintenance_state
		SET mode = $2, mode_changed_at = now()
		WHERE singleton AND mode = $1
		RETURNING mode, mode_changed_at`, from, to)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Conflictf("maintenance transition %s -> %s lost a race", from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("maintenance transition %s -> %s: %w", from, to, err)
	}

	m.log.Info("maintenance mode changed",
		zap.String("from", string(from)), zap.String("to", string(to)))
	return &st, nil
}

func (m *Manager) activeCounts(ctx context.Context) (pending, running int, err error) {
	var counts struct {
		Pending int `db:"pending"`
		Running int `db:"running"`
	}
	err = m.store.DB().GetContext(ctx, &counts, `
		SELECT
			count(*) FILTER (WHERE status = 'pending') AS pending,
			count(*) FILTER (WHERE status = 'running') AS running
		FROM task_runs`)
	if err != nil {
		return 0, 0, fmt.Errorf("counting active tasks: %w", err)
	}
	return counts.Pending, counts.Running, nil
}
