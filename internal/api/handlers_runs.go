package api

import (
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID              string  `json:"id"`
	OwnerID         string  `json:"owner_id"`
	Kind            string  `json:"kind"`
	PID             *int    `json:"pid,omitempty"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
}

// handleListRuns lists the recorded runs of the task or subscription named by param.
func (s *Server) handleListRuns(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := chi.URLParam(r, param)
		limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
		runs, err := s.svc.Store.ListRuns(r.Context(), ownerID, limit, offset)
		if err != nil {
			s.internalError(w, "list runs", err)
			return
		}
		res := make([]runResponse, 0, len(runs))
		for _, run := range runs {
			res = append(res, runToResponse(run))
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.svc.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.lookupFailed(w, err, store.ErrRunNotFound, "run", runID)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleRunLog returns the log of a run, optionally only its last tail lines.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.svc.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.lookupFailed(w, err, store.ErrRunNotFound, "run", runID)
		return
	}
	if run.LogPath == nil {
		writeError(w, http.StatusNotFound, "not_found", "log not found")
		return
	}
	content, err := s.svc.Logs.Read(*run.LogPath)
	if err != nil {
		s.internalError(w, "read log", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(tailLines(content, parseIntDefault(r.URL.Query().Get("tail"), 0))))
}

func runToResponse(run *core.Run) runResponse {
	var ended *string
	if run.EndedAt != nil {
		formatted := run.EndedAt.UTC().Format(time.RFC3339)
		ended = &formatted
	}
	return runResponse{
		ID:              run.ID,
		OwnerID:         run.OwnerID,
		Kind:            string(run.Kind),
		PID:             run.PID,
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:         ended,
		ExitCode:        run.ExitCode,
		DurationSeconds: run.DurationSeconds,
	}
}

func tailLines(content string, tail int) string {
	if tail <= 0 {
		return content
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n") + "\n"
}
