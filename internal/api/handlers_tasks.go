package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taskrunner/internal/core"
	"taskrunner/internal/service"
)

type taskResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Alias         string            `json:"alias"`
	Type          string            `json:"type"`
	Cron          string            `json:"cron"`
	Enabled       bool              `json:"enabled"`
	StopOnError   bool              `json:"stop_on_error"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Version       int64             `json:"version"`
	State         string            `json:"state"`
	LastStartAt   *string           `json:"last_start_at,omitempty"`
	LastEndAt     *string           `json:"last_end_at,omitempty"`
	LastSuccessAt *string           `json:"last_success_at,omitempty"`
	LastOutcome   *string           `json:"last_outcome,omitempty"`
	NextRunAt     *string           `json:"next_run_at,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

type runTaskRequest struct {
	Parameters  map[string]string `json:"parameters"`
	RequestedBy string            `json:"requested_by"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req service.TaskInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "create task", err)
		return
	}
	s.logger.Info("task created", "task_id", task.ID, "alias", task.Alias, "type", task.Type)
	writeJSON(w, http.StatusCreated, taskToResponse(task, time.Now()))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("enabled")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "enabled must be true or false")
			return
		}
		enabled = &v
	}
	tasks, err := s.svc.ListTasks(r.Context(), enabled)
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	now := time.Now()
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t, now))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task, time.Now()))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var patch service.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.svc.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		s.writeServiceError(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task, time.Now()))
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.svc.SetEnabled(r.Context(), chi.URLParam(r, "taskID"), enabled)
		if err != nil {
			s.writeServiceError(w, "set task enabled", err)
			return
		}
		writeJSON(w, http.StatusOK, taskToResponse(task, time.Now()))
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req runTaskRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}
	run, err := s.svc.RunNow(r.Context(), taskID, req.Parameters, req.RequestedBy)
	if err != nil {
		s.writeServiceError(w, "run task now", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Stop(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, "stop task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func taskToResponse(task *core.TaskDefinition, now time.Time) taskResponse {
	resp := taskResponse{
		ID:            task.ID,
		Name:          task.Name,
		Alias:         task.Alias,
		Type:          task.Type,
		Cron:          task.Cron,
		Enabled:       task.Enabled,
		StopOnError:   task.StopOnError,
		Parameters:    task.Parameters,
		Version:       task.Version,
		State:         string(task.State(now)),
		LastStartAt:   formatTimePtr(task.LastStartAt),
		LastEndAt:     formatTimePtr(task.LastEndAt),
		LastSuccessAt: formatTimePtr(task.LastSuccessAt),
		NextRunAt:     formatTimePtr(task.NextRunAt),
		CreatedAt:     task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if task.LastOutcome != nil {
		o := string(*task.LastOutcome)
		resp.LastOutcome = &o
	}
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
