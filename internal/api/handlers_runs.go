package api

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"taskrunner/internal/core"
)

type runResponse struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	Outcome         string  `json:"outcome"`
	Trigger         string  `json:"trigger"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
	DurationMS      int64   `json:"duration_ms"`
	Error           *string `json:"error,omitempty"`
	ProgressValue   int64   `json:"progress_value"`
	ProgressMax     int64   `json:"progress_max"`
	ProgressPercent int     `json:"progress_percent"`
	ProgressMessage *string `json:"progress_message,omitempty"`
	MachineName     string  `json:"machine_name"`
	CancelRequested bool    `json:"cancel_requested"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if limit > 200 {
		limit = 200
	}
	runs, err := s.svc.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list runs", err)
		return
	}
	now := time.Now()
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeServiceError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run, time.Now()))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.svc.GetRun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, "get run", err)
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	if !follow {
		content, err := s.svc.ReadRunLog(r.Context(), runID, tail)
		if err != nil {
			s.writeServiceError(w, "read log", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, content)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	file, err := os.Open(s.svc.RunLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "execution_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if content, err := s.svc.ReadRunLog(r.Context(), runID, tail); err == nil && content != "" {
		_, _ = io.WriteString(w, content+"\n")
		flusher.Flush()
	}

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !run.Outcome.Finished() {
				if refreshed, err := s.svc.GetRun(r.Context(), runID); err == nil {
					run = refreshed
				}
			}
			if run.Outcome.Finished() && pos == offset {
				return
			}
		}
	}
}

func runToResponse(run *core.ExecutionRecord, now time.Time) runResponse {
	return runResponse{
		ID:              run.ID,
		TaskID:          run.TaskID,
		Outcome:         string(run.Outcome),
		Trigger:         string(run.Trigger),
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:         formatTimePtr(run.EndedAt),
		DurationMS:      run.Duration(now).Milliseconds(),
		Error:           run.Error,
		ProgressValue:   run.ProgressValue,
		ProgressMax:     run.ProgressMax,
		ProgressPercent: run.Percent(),
		ProgressMessage: run.ProgressMessage,
		MachineName:     run.MachineName,
		CancelRequested: run.CancelRequested,
	}
}
