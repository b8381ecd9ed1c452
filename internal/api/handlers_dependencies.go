package api

import (
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type dependencyRequest struct {
	Name   string         `json:"name"`
	Type   core.Ecosystem `json:"type"`
	Remark *string        `json:"remark"`
}

type deleteDependenciesRequest struct {
	IDs   []string `json:"ids"`
	Force bool     `json:"force"`
}

type dependencyResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Log       []string `json:"log"`
	Remark    *string  `json:"remark,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// handleCreateDependencies inserts a batch and starts installing it.
func (s *Server) handleCreateDependencies(w http.ResponseWriter, r *http.Request) {
	var reqs []dependencyRequest
	if !decodeJSON(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "at least one dependency is required")
		return
	}
	for i := range reqs {
		reqs[i].Name = strings.TrimSpace(reqs[i].Name)
		if reqs[i].Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
			return
		}
		switch reqs[i].Type {
		case core.EcosystemNodeJS, core.EcosystemPython3, core.EcosystemLinux:
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "type must be nodejs, python3 or linux")
			return
		}
	}

	ctx := r.Context()
	deps := make([]*core.Dependency, 0, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		dep := &core.Dependency{Name: req.Name, Ecosystem: req.Type, Remark: trimmedPtr(req.Remark)}
		if err := s.svc.Store.InsertDependency(ctx, dep); err != nil {
			s.internalError(w, "insert dependency", err)
			return
		}
		deps = append(deps, dep)
		ids = append(ids, dep.ID)
	}
	if err := s.svc.Dependencies.Install(ctx, ids); err != nil {
		s.internalError(w, "install dependencies", err)
		return
	}
	res := make([]dependencyResponse, 0, len(deps))
	for _, dep := range deps {
		res = append(res, dependencyToResponse(dep))
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := s.svc.Store.ListDependencies(r.Context(), core.Ecosystem(r.URL.Query().Get("type")))
	if err != nil {
		s.internalError(w, "list dependencies", err)
		return
	}
	res := make([]dependencyResponse, 0, len(deps))
	for _, dep := range deps {
		res = append(res, dependencyToResponse(dep))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetDependency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dependencyID")
	dep, err := s.svc.Store.GetDependency(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, err, store.ErrDependencyNotFound, "dependency", id)
		return
	}
	writeJSON(w, http.StatusOK, dependencyToResponse(dep))
}

// handleDeleteDependencies uninstalls; records disappear once removal finishes.
func (s *Server) handleDeleteDependencies(w http.ResponseWriter, r *http.Request) {
	var req deleteDependenciesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ids are required")
		return
	}
	if err := s.svc.Dependencies.Uninstall(r.Context(), req.IDs, req.Force); err != nil {
		s.internalError(w, "uninstall dependencies", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": req.IDs})
}

func (s *Server) handleReinstallDependencies(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "reinstall dependencies", s.svc.Dependencies.Reinstall)
}

func dependencyToResponse(dep *core.Dependency) dependencyResponse {
	logs := dep.Log
	if logs == nil {
		logs = []string{}
	}
	return dependencyResponse{
		ID:        dep.ID,
		Name:      dep.Name,
		Type:      string(dep.Ecosystem),
		Status:    string(dep.Status),
		Log:       logs,
		Remark:    dep.Remark,
		CreatedAt: dep.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: dep.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
