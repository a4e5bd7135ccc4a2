// Package httpapi exposes the orchestrator over HTTP: worker registration,
// pipeline management and triggering, the worker callback and heartbeat
// endpoints, queue and DLQ inspection, and maintenance control.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/dispatch"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
)

// Server wires the HTTP surface onto the orchestrator components.
type Server struct {
	queue       *queue.Manager
	registry    *registry.Registry
	executor    *pipeline.Executor
	maintenance *maintenance.Manager
	monitor     *heartbeat.Monitor
	dispatcher  *dispatch.Dispatcher
	router      *dispatch.Router
	dlq         *dlq.Queue
	gatherer    prometheus.Gatherer
	log         *zap.Logger
}

type Deps struct {
	Queue       *queue.Manager
	Registry    *registry.Registry
	Executor    *pipeline.Executor
	Maintenance *maintenance.Manager
	Monitor     *heartbeat.Monitor
	Dispatcher  *dispatch.Dispatcher
	Router      *dispatch.Router
	DLQ         *dlq.Queue
	Gatherer    prometheus.Gatherer
}

func NewServer(deps Deps, log *zap.Logger) *Server {
	return &Server{
		queue:       deps.Queue,
		registry:    deps.Registry,
		executor:    deps.Executor,
		maintenance: deps.Maintenance,
		monitor:     deps.Monitor,
		dispatcher:  deps.Dispatcher,
		router:      deps.Router,
		dlq:         deps.DLQ,
		gatherer:    deps.Gatherer,
		log:         log,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/services", s.handleListServices)
		r.Get("/tasks/{id}/history", s.handleTaskHistory)

		r.Post("/pipelines", s.handleUpsertPipeline)
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{id}", s.handleGetPipeline)
		r.Post("/pipelines/{id}/trigger", s.handleTrigger)
		r.Post("/pipelines/{id}/dry-run", s.handleDryRun)
		r.Get("/pipeline-runs", s.handleListPipelineRuns)
		r.Get("/pipeline-runs/{id}", s.handleGetPipelineRun)

		r.Post("/callback/{runId}", s.handleCallback)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/tick", s.handleTick)

		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/{id}/retry", s.handleRetryDLQ)
		r.Post("/dlq/{id}/purge", s.handlePurgeDLQ)

		r.Get("/maintenance", s.handleGetMaintenance)
		r.Post("/maintenance/request", s.handleRequestMaintenance)
		r.Post("/maintenance/enter", s.handleEnterMaintenance)
		r.Post("/maintenance/exit", s.handleExitMaintenance)
	})

	return r
}
