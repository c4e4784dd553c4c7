package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ammonwk/truffles/internal/domain"
)

// RunResponse is the API response for a run record
type RunResponse struct {
	ID              string               `json:"id"`
	IssueID         string               `json:"issue_id"`
	Title           string               `json:"title"`
	Status          string               `json:"status"`
	Branch          string               `json:"branch,omitempty"`
	StartedAt       string               `json:"started_at"`
	CompletedAt     *string              `json:"completed_at,omitempty"`
	Output          []domain.OutputEntry `json:"output,omitempty"`
	FilesModified   []string             `json:"files_modified,omitempty"`
	Error           string               `json:"error,omitempty"`
	PRNumber        int                  `json:"pr_number,omitempty"`
	PRURL           string               `json:"pr_url,omitempty"`
	DismissalReason string               `json:"dismissal_reason,omitempty"`
	CostUSD         float64              `json:"cost_usd,omitempty"`
}

// SettingsRequest carries runtime-tunable settings
type SettingsRequest struct {
	MaxParallelRuns   *int `json:"max_parallel_runs,omitempty"`
	RunTimeoutMinutes *int `json:"run_timeout_minutes,omitempty"`
}

func runToResponse(rec *domain.RunRecord, includeOutput bool) RunResponse {
	resp := RunResponse{
		ID:              rec.ID,
		IssueID:         rec.IssueID,
		Title:           rec.Title,
		Status:          string(rec.Status),
		Branch:          rec.Branch,
		StartedAt:       rec.StartedAt.Format(time.RFC3339),
		FilesModified:   rec.FilesModified,
		Error:           rec.Error,
		PRNumber:        rec.PRNumber,
		PRURL:           rec.PRURL,
		DismissalReason: rec.DismissalReason,
		CostUSD:         rec.CostUSD,
	}
	if rec.CompletedAt != nil {
		t := rec.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	if includeOutput {
		resp.Output = rec.Output
	}
	return resp
}

// runsHandler starts a run on POST /api/runs
func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req domain.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.IssueID == "" || req.Title == "" {
			writeError(w, http.StatusBadRequest, "issue_id and title are required")
			return
		}

		res, err := s.orch.Start(req)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(res)
	}
}

// runHandler serves GET /api/runs/{id} and POST /api/runs/{id}/stop
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/stop"); ok {
			s.stopRun(w, r, id)
			return
		}
		s.getRun(w, r, path)
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rec, err := s.orch.Session(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, runToResponse(rec, true))
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.orch.Stop(id) {
		writeError(w, http.StatusConflict, "run is not active")
		return
	}

	writeJSON(w, map[string]string{"status": "stopped"})
}

// statusHandler serves GET /api/status
func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		report, err := s.orch.Status()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, report)
	}
}

// settingsHandler applies runtime-tunable settings on POST /api/settings
func (s *Server) settingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req SettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MaxParallelRuns != nil && *req.MaxParallelRuns < 1 {
			writeError(w, http.StatusBadRequest, "max_parallel_runs must be at least 1")
			return
		}
		if req.RunTimeoutMinutes != nil && *req.RunTimeoutMinutes < 1 {
			writeError(w, http.StatusBadRequest, "run_timeout_minutes must be at least 1")
			return
		}

		if req.MaxParallelRuns != nil {
			s.orch.SetMaxConcurrent(*req.MaxParallelRuns)
		}
		if req.RunTimeoutMinutes != nil {
			s.orch.SetTimeoutMinutes(*req.RunTimeoutMinutes)
		}

		writeJSON(w, map[string]string{"status": "applied"})
	}
}
