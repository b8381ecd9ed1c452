package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type taskRequest struct {
	Name     *string  `json:"name"`
	Command  string   `json:"command"`
	Schedule string   `json:"schedule"`
	Labels   []string `json:"labels"`
	IsPinned bool     `json:"is_pinned"`
}

type taskResponse struct {
	ID                string   `json:"id"`
	Name              *string  `json:"name,omitempty"`
	Command           string   `json:"command"`
	Schedule          string   `json:"schedule"`
	Status            string   `json:"status"`
	PID               *int     `json:"pid,omitempty"`
	LogPath           *string  `json:"log_path,omitempty"`
	IsDisabled        bool     `json:"is_disabled"`
	IsPinned          bool     `json:"is_pinned"`
	Labels            []string `json:"labels"`
	LastRunningTime   int64    `json:"last_running_time"`
	LastExecutionTime *string  `json:"last_execution_time,omitempty"`
	NextRunAt         *string  `json:"next_run_at,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// validate trims req and checks the fields every task needs.
func (req *taskRequest) validate(w http.ResponseWriter) bool {
	req.Command = strings.TrimSpace(req.Command)
	req.Schedule = strings.TrimSpace(req.Schedule)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "command is required")
		return false
	}
	if _, err := core.ParseCron(req.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return false
	}
	return true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeJSON(w, r, &req) || !req.validate(w) {
		return
	}
	task := &core.Task{
		Name:     trimmedPtr(req.Name),
		Command:  req.Command,
		Schedule: req.Schedule,
		Labels:   req.Labels,
		IsPinned: req.IsPinned,
	}
	if err := s.svc.Store.InsertTask(r.Context(), task); err != nil {
		s.internalError(w, "insert task", err)
		return
	}
	if err := s.svc.Tasks.Register(r.Context(), task); err != nil {
		s.logger.Error("schedule task", "task_id", task.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.Store.ListTasks(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.internalError(w, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.svc.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.lookupFailed(w, err, store.ErrTaskNotFound, "task", taskID)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.svc.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.lookupFailed(w, err, store.ErrTaskNotFound, "task", taskID)
		return
	}
	var req taskRequest
	if !decodeJSON(w, r, &req) || !req.validate(w) {
		return
	}
	task.Name = trimmedPtr(req.Name)
	task.Command = req.Command
	task.Schedule = req.Schedule
	task.Labels = req.Labels
	task.IsPinned = req.IsPinned
	if err := s.svc.Store.UpdateTask(r.Context(), task); err != nil {
		s.lookupFailed(w, err, store.ErrTaskNotFound, "task", taskID)
		return
	}
	if err := s.svc.Tasks.Register(r.Context(), task); err != nil {
		s.logger.Error("reschedule task", "task_id", task.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

// handleDeleteTasks stops live runs, drops triggers, records and log files.
func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.svc.Tasks.Stop(ctx, ids); err != nil {
		s.logger.Warn("stop tasks before delete", "err", err)
	}
	s.svc.Tasks.Remove(ids)
	if err := s.svc.Store.DeleteTasks(ctx, ids); err != nil {
		s.internalError(w, "delete tasks", err)
		return
	}
	for _, id := range ids {
		if err := s.svc.Logs.Remove(id); err != nil {
			s.logger.Warn("remove task logs", "task_id", id, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "run tasks", s.svc.Tasks.RunNow)
}

func (s *Server) handleStopTasks(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "stop tasks", s.svc.Tasks.Stop)
}

func (s *Server) handleEnableTasks(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "enable tasks", s.svc.Tasks.Enable)
}

func (s *Server) handleDisableTasks(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "disable tasks", s.svc.Tasks.Disable)
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	content, err := s.svc.Tasks.LatestLog(r.Context(), taskID)
	if err != nil {
		s.lookupFailed(w, err, store.ErrTaskNotFound, "task", taskID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

// bulk decodes {"ids"} and applies op; the engine runs long work in the background.
func (s *Server) bulk(w http.ResponseWriter, r *http.Request, what string, op func(ctx context.Context, ids []string) error) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), ids); err != nil {
		s.internalError(w, what, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	var next *string
	if !task.IsDisabled {
		if times, err := core.PreviewCron(task.Schedule, time.Now().In(s.location), 1); err == nil && len(times) > 0 {
			formatted := times[0].UTC().Format(time.RFC3339)
			next = &formatted
		}
	}
	labels := task.Labels
	if labels == nil {
		labels = []string{}
	}
	return taskResponse{
		ID:                task.ID,
		Name:              task.Name,
		Command:           task.Command,
		Schedule:          task.Schedule,
		Status:            string(task.Status),
		PID:               task.PID,
		LogPath:           task.LogPath,
		IsDisabled:        task.IsDisabled,
		IsPinned:          task.IsPinned,
		Labels:            labels,
		LastRunningTime:   task.LastRunDurationSeconds,
		LastExecutionTime: unixPtr(task.LastExecutionTime),
		NextRunAt:         next,
		CreatedAt:         task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
