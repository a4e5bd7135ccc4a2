package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.queue.GetStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"canAcceptTasks":  state.Mode == core.ModeRunning,
		"maintenanceMode": state.Mode,
		"runningTasks":    status.Running,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.registry.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.registry.ListServices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.registry.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.registry.GetTaskCodeHistory(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "history": history})
}

func (s *Server) handleUpsertPipeline(w http.ResponseWriter, r *http.Request) {
	var p core.Pipeline
	if !s.decode(w, r, &p) {
		return
	}
	saved, err := s.executor.UpsertPipeline(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.executor.ListPipelines(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.executor.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.maintenance.CanAcceptTasks(r.Context()) {
		s.writeError(w, core.Unavailablef("maintenance mode denies new pipelines"))
		return
	}

	req := pipeline.TriggerRequest{}
	if r.ContentLength > 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	req.PipelineID = chi.URLParam(r, "id")

	result, err := s.executor.TriggerPipeline(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.executor.DryRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPipelineRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	runs, err := s.executor.ListRuns(r.Context(), r.URL.Query().Get("pipelineId"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.executor.GetPipelineRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID    string `json:"runId"`
		Progress *int   `json:"progress,omitempty"`
		Message  string `json:"message,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.RunID == "" {
		s.writeError(w, core.Invalidf("runId is required"))
		return
	}
	if err := s.monitor.RecordHeartbeat(r.Context(), req.RunID, req.Progress, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	dispatched, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"dispatched": dispatched})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.GetStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dlq.List(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.dlq.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRequestMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.RequestMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.EnterMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.ExitMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
