package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

// cronPreviewResponse reports parse failures in-band so editors can validate as the user types.
type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	TimeZone  string   `json:"time_zone"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
	Hint      string   `json:"hint,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	loc := s.svc.Location()
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Expr = strings.TrimSpace(req.Expr)
	if req.Expr == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "expr is required")
		return
	}
	from := time.Now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "now must be RFC3339")
			return
		}
		from = parsed
	}

	resp := cronPreviewResponse{TimeZone: loc.String()}
	times, err := s.svc.PreviewCron(req.Expr, from, req.Count)
	if err != nil {
		resp.Message = err.Error()
		resp.Hint = errors.FlattenHints(err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Valid = true
	for _, t := range times {
		resp.NextTimes = append(resp.NextTimes, t.In(loc).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"types": s.svc.TaskTypes()})
}
