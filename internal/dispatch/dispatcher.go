// Package dispatch claims runnable task runs and delivers them to workers.
//
// The loop body (Tick) is shared by both deployment modes: continuous mode
// drives it from an internal ticker, tick-driven mode from POST /api/tick.
// Dispatch errors are isolated per run; a sibling failing never stops the
// rest of the batch, and the loop itself never exits on error.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/metrics"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/store"
	"github.com/pipeweave/pipeweave/internal/token"
)

// Gate reports whether new work may start. Satisfied by the maintenance
// manager: anything but the running mode closes the gate.
type Gate interface {
	CanAcceptTasks(ctx context.Context) bool
}

// Dispatcher is the scheduler loop.
type Dispatcher struct {
	store     *store.Store
	queue     *queue.Manager
	registry  *registry.Registry
	transport Transport
	tokens    *token.Issuer
	monitor   *heartbeat.Monitor
	router    *Router
	gate      Gate
	met       *metrics.Metrics
	log       *zap.Logger

	maxConcurrency int
}

type Options struct {
	MaxConcurrency int
}

func New(st *store.Store, qm *queue.Manager, reg *registry.Registry, tr Transport,
	iss *token.Issuer, mon *heartbeat.Monitor, router *Router, gate Gate,
	met *metrics.Metrics, opts Options, log *zap.Logger) *Dispatcher {
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 10
	}
	return &Dispatcher{
		store:          st,
		queue:          qm,
		registry:       reg,
		transport:      tr,
		tokens:         iss,
		monitor:        mon,
		router:         router,
		gate:           gate,
		met:            met,
		log:            log,
		maxConcurrency: maxConc,
	}
}

// Tick claims up to maxConcurrency runnable runs and dispatches them in
// parallel. Returns how many were handed to a worker.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if d.gate != nil && !d.gate.CanAcceptTasks(ctx) {
		return 0, nil
	}

	runs, err := d.queue.GetNext(ctx, d.maxConcurrency)
	if err != nil {
		return 0, fmt.Errorf("claiming runnable tasks: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	var dispatched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			if err := d.dispatchOne(gctx, run); err != nil {
				d.log.Warn("dispatch failed",
					zap.String("run", run.ID),
					zap.String("task", run.TaskID),
					zap.Error(err))
				return nil
			}
			dispatched.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(dispatched.Load()), nil
}

// dispatchOne moves a single claimed run to running and hands it to its
// worker. Any error after MarkRunning is routed through the failure path so
// the run retries or dead-letters instead of hanging.
func (d *Dispatcher) dispatchOne(ctx context.Context, run core.TaskRun) error {
	if err := d.queue.MarkRunning(ctx, run.ID); err != nil {
		// Another claimant or a cancellation got here first.
		return err
	}

	task, err := d.registry.GetTask(ctx, run.TaskID)
	if err != nil {
		return d.failDispatch(ctx, run.ID, err)
	}
	svc, err := d.registry.GetService(ctx, task.ServiceID)
	if err != nil {
		return d.failDispatch(ctx, run.ID, err)
	}

	tok, err := d.tokens.Issue(run.ID, run.InputPath)
	if err != nil {
		return d.failDispatch(ctx, run.ID, err)
	}

	err = d.transport.Dispatch(ctx, *svc, Request{
		RunID:            run.ID,
		TaskID:           run.TaskID,
		CodeVersion:      run.CodeVersion,
		CodeHash:         run.CodeHash,
		InputPath:        run.InputPath,
		UpstreamRefs:     run.UpstreamRefs,
		StorageToken:     tok,
		Attempt:          run.Attempt,
		PreviousAttempts: run.PreviousAttempts,
		Metadata:         run.Metadata,
	})
	if err != nil {
		return d.failDispatch(ctx, run.ID, err)
	}

	d.monitor.StartTracking(run.ID, run.TaskID, task.HeartbeatIntervalMs)
	d.met.IncDispatched()
	d.log.Debug("task dispatched",
		zap.String("run", run.ID),
		zap.String("task", run.TaskID),
		zap.String("service", svc.ID),
		zap.Int("attempt", run.Attempt))
	return nil
}

func (d *Dispatcher) failDispatch(ctx context.Context, runID string, cause error) error {
	d.met.IncDispatchFailure()
	if routeErr := d.router.FailRun(ctx, runID, cause.Error(), core.ErrorCodeDispatchFailed); routeErr != nil {
		d.log.Error("failure routing after dispatch error",
			zap.String("run", runID), zap.Error(routeErr))
	}
	return cause
}

// Run drives Tick on interval until ctx is done. Continuous mode only.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("dispatcher started", zap.Duration("interval", interval),
		zap.Int("max_concurrency", d.maxConcurrency))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.log.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}
