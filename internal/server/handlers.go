package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

type planRequest struct {
	Workspace    string      `json:"workspace"`
	Task         string      `json:"task"`
	Feedback     string      `json:"feedback,omitempty"`
	PreviousPlan *types.Plan `json:"previous_plan,omitempty"`
	taskOverrides
}

type startRequest struct {
	Workspace string      `json:"workspace"`
	Task      string      `json:"task"`
	Plan      *types.Plan `json:"plan,omitempty"`
	taskOverrides
}

// taskOverrides are optional per-request overrides of the configured
// run defaults
type taskOverrides struct {
	ConductorModel     string   `json:"conductor_model,omitempty"`
	WorkerModels       []string `json:"worker_models,omitempty"`
	MaxIterations      int      `json:"max_iterations,omitempty"`
	MaxParallelWorkers int      `json:"max_parallel_workers,omitempty"`
}

func (s *Server) taskConfig(o taskOverrides) types.TaskConfig {
	cfg := s.defaults
	if o.ConductorModel != "" {
		cfg.ConductorModel = o.ConductorModel
	}
	if len(o.WorkerModels) > 0 {
		cfg.WorkerModels = o.WorkerModels
	}
	if o.MaxIterations > 0 {
		cfg.MaxIterations = o.MaxIterations
	}
	if o.MaxParallelWorkers > 0 {
		cfg.MaxParallelWorkers = o.MaxParallelWorkers
	}
	return cfg
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task is required"))
		return
	}

	p, err := s.manager.CreatePlan(r.Context(), s.taskConfig(req.taskOverrides), req.Task, req.Feedback, req.PreviousPlan)
	if err != nil {
		var genErr *types.PlanGenerationError
		if errors.As(err, &genErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      genErr.Reason,
				"raw_output": genErr.RawOutput,
			})
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Workspace == "" || req.Task == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workspace and task are required"))
		return
	}

	taskID, err := s.manager.StartBackground(req.Workspace, req.Task, s.taskConfig(req.taskOverrides), req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.URL.Query().Get("workspace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Delete(id); err != nil {
		status := http.StatusNotFound
		if strings.Contains(err.Error(), "running") {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTask(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	logs, err := s.store.TailLogs(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleStreamEvents pushes a task's log entries as JSON lines until
// the client disconnects
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTask(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := s.bus.Subscribe(events.EventFilter{TaskID: id})
	defer s.bus.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleSubmitInstruction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	inst, err := s.mail.Submit(mux.Vars(r)["id"], req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleListInstructions(w http.ResponseWriter, r *http.Request) {
	instructions, err := s.mail.History(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, instructions)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PurgeFiles bool `json:"purge_files"`
		PurgeLogs  bool `json:"purge_logs"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
	}

	result, err := s.manager.Cancel(mux.Vars(r)["id"], req.PurgeFiles, req.PurgeLogs)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.manager.Resume(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.ClearHistory(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": id})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.workspaces.Create(req.Name, req.Description); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	infos, err := s.workspaces.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.workspaces.Delete(mux.Vars(r)["name"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": mux.Vars(r)["name"]})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.workspaces.ListFiles(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
