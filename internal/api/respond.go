package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type idsRequest struct {
	IDs []string `json:"ids"`
}

// decodeIDs reads {"ids": [...]} and rejects an empty list.
func decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ids are required")
		return nil, false
	}
	return ids, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// lookupFailed writes 404 for notFound and 500 otherwise.
func (s *Server) lookupFailed(w http.ResponseWriter, err, notFound error, what, id string) {
	if errors.Is(err, notFound) {
		writeError(w, http.StatusNotFound, "not_found", what+" not found")
		return
	}
	s.logger.Error("get "+what, "id", id, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to load "+what)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+msg)
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func unixPtr(sec int64) *string {
	if sec <= 0 {
		return nil
	}
	formatted := time.Unix(sec, 0).UTC().Format(time.RFC3339)
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
