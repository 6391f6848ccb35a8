package api

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"taskrunner/internal/core"
	"taskrunner/internal/service"
	"taskrunner/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps domain errors onto HTTP statuses. Unknown errors are
// logged and hidden behind a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		writeError(w, status, code, "failed to "+op)
		return
	}
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (" + hint + ")"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrExecutionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInvalidCron):
		return http.StatusBadRequest, "invalid_cron"
	case core.IsTaskNotFound(err):
		return http.StatusBadRequest, "unknown_task_type"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, store.ErrAliasTaken):
		return http.StatusConflict, "alias_taken"
	case errors.Is(err, core.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, core.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, core.ErrSchedulerStopped):
		return http.StatusServiceUnavailable, "scheduler_stopped"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
