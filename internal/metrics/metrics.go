// Package metrics defines the orchestrator's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors. A nil *Metrics is valid and
// records nothing, so tests can skip registration.
type Metrics struct {
	TasksEnqueued     prometheus.Counter
	TasksDispatched   prometheus.Counter
	DispatchFailures  prometheus.Counter
	RetriesScheduled  prometheus.Counter
	DeadLettered      prometheus.Counter
	IdempotencyHits   prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	PendingDepth      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_tasks_enqueued_total",
			Help: "Task runs inserted into the queue.",
		}),
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_tasks_dispatched_total",
			Help: "Task runs handed to a worker transport.",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_dispatch_failures_total",
			Help: "Synchronous dispatch errors (worker unreachable or transport failure).",
		}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_retries_scheduled_total",
			Help: "Failed attempts rescheduled with backoff.",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_dead_lettered_total",
			Help: "Task runs moved to the dead-letter queue.",
		}),
		IdempotencyHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_idempotency_hits_total",
			Help: "Enqueues answered from the idempotency cache.",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeweave_heartbeat_timeouts_total",
			Help: "Runs timed out for missing worker heartbeats.",
		}),
		PendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeweave_pending_depth",
			Help: "Pending task runs observed at the last queue status poll.",
		}),
	}
}

// The Inc wrappers check the receiver before touching any field: components
// hold a possibly-nil *Metrics and call through it unconditionally.

func (m *Metrics) IncEnqueued() {
	if m != nil {
		m.TasksEnqueued.Inc()
	}
}

func (m *Metrics) IncDispatched() {
	if m != nil {
		m.TasksDispatched.Inc()
	}
}

func (m *Metrics) IncDispatchFailure() {
	if m != nil {
		m.DispatchFailures.Inc()
	}
}

func (m *Metrics) IncRetryScheduled() {
	if m != nil {
		m.RetriesScheduled.Inc()
	}
}

func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.DeadLettered.Inc()
	}
}

func (m *Metrics) IncIdempotencyHit() {
	if m != nil {
		m.IdempotencyHits.Inc()
	}
}

func (m *Metrics) IncHeartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) SetPendingDepth(n int) {
	if m != nil {
		m.PendingDepth.Set(float64(n))
	}
}
