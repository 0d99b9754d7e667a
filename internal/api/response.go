package api

import (
	"encoding/json"
	"net/http"

	"backup-orchestrator/internal/backup"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ListResponse wraps a list so empty results encode as [] rather than null
type ListResponse struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Count: len(items)})
}

// ActionResponse is returned by the scheduler start and stop endpoints
type ActionResponse struct {
	Result string `json:"result"`
}

// Scheduler action results
const (
	ResultStarted        = "started"
	ResultAlreadyRunning = "already_running"
	ResultStopped        = "stopped"
	ResultNotRunning     = "not_running"
)

// RunResponse is returned by a manual tenant backup
type RunResponse struct {
	Record *backup.BackupRecord `json:"record"`
}

// RecordResponse is one record with its validation result, when one exists
type RecordResponse struct {
	Record     *backup.BackupRecord     `json:"record"`
	Validation *backup.ValidationResult `json:"validation,omitempty"`
}
