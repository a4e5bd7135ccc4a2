package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/queue"
)

// CallbackRequest is a worker's out-of-band result report.
type CallbackRequest struct {
	Success      bool          `json:"success"`
	OutputPath   string        `json:"outputPath,omitempty"`
	OutputSize   *int64        `json:"outputSize,omitempty"`
	Assets       core.AssetMap `json:"assets,omitempty"`
	LogsPath     *string       `json:"logsPath,omitempty"`
	SelectedNext []string      `json:"selectedNext,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
}

// handleCallback finishes a run: success records outputs and queues
// downstream pipeline work; failure routes through retry or the DLQ. Either
// way the heartbeat timer is released.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	var req CallbackRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !req.Success {
		s.monitor.CancelTracking(runID)
		if req.Error == "" {
			req.Error = "task failed"
		}
		if err := s.router.FailRun(r.Context(), runID, req.Error, req.ErrorCode); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "status": "failed"})
		return
	}

	if req.OutputPath == "" {
		s.writeError(w, core.Invalidf("outputPath is required on success"))
		return
	}

	run, err := s.queue.MarkCompleted(r.Context(), runID, queue.CompletionParams{
		OutputPath: req.OutputPath,
		OutputSize: req.OutputSize,
		Assets:     req.Assets,
		LogsPath:   req.LogsPath,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.monitor.CancelTracking(runID)

	queued, err := s.executor.QueueDownstream(r.Context(), runID, req.SelectedNext)
	if err != nil {
		// The run itself completed; downstream queueing failing is logged and
		// reported without unwinding the completion.
		s.log.Error("queueing downstream tasks failed",
			zap.String("run", runID), zap.Error(err))
		s.writeJSON(w, http.StatusOK, map[string]any{
			"runId":           runID,
			"status":          run.Status,
			"downstreamError": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"runId":            runID,
		"status":           run.Status,
		"queuedTaskRunIds": queued,
	})
}

// handleRetryDLQ replays a dead-lettered run as a fresh task run and records
// the replay on the entry.
func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.dlq.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		TaskID:       entry.TaskID,
		UpstreamRefs: entry.UpstreamRefs,
		Metadata: core.JSONMap{
			"replayOf":        entry.ID,
			"sourceInputPath": entry.InputPath,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dlq.MarkRetried(r.Context(), id, res.RunID); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"dlqId":    id,
		"newRunId": res.RunID,
		"status":   res.Status,
	})
}
