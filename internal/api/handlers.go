package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"backup-orchestrator/internal/backup"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLogLimit    = 50
	maxListLimit       = 1000
	defaultRecordLimit = 100
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	err := s.scheduler.Start()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ActionResponse{Result: ResultStarted})
	case errors.Is(err, backup.ErrSchedulerRunning):
		writeJSON(w, http.StatusOK, ActionResponse{Result: ResultAlreadyRunning})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	err := s.scheduler.Stop()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ActionResponse{Result: ResultStopped})
	case errors.Is(err, backup.ErrSchedulerNotRunning):
		writeJSON(w, http.StatusOK, ActionResponse{Result: ResultNotRunning})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleSchedulerCheck and handleRunTenant detach from the request so a client
// that disconnects does not abort backups already under way.
func (s *Server) handleSchedulerCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.ForceCheck(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	record, err := s.scheduler.RunTenant(context.WithoutCancel(r.Context()), tenantID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Record: record})
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRecordLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := backup.RecordFilter{
		TenantID: r.URL.Query().Get("tenant"),
		Limit:    limit,
	}
	for _, status := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, backup.BackupStatus(status))
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeList(w, records)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	resp := RecordResponse{Record: record}
	result, err := s.store.GetValidationResult(r.Context(), record.ID)
	switch {
	case err == nil:
		resp.Validation = result
	case !backup.IsNotFound(err):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleValidateRecord re-checks the snapshot on disk now. The stored result
// from the original run is left as it was.
func (s *Server) handleValidateRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if record.Status != backup.BackupStatusSucceeded || record.FilePath == "" {
		writeError(w, http.StatusConflict, "only succeeded backups have a snapshot to validate")
		return
	}
	writeJSON(w, http.StatusOK, s.verifier.Verify(record))
}

func (s *Server) handleListRetries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListRetryEntries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeList(w, entries)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeList(w, entries)
}

var errBadLimit = errors.New("limit must be a positive integer")

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errBadLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// errorStatus maps orchestrator errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case backup.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrTenantBusy), errors.Is(err, backup.ErrTickInProgress):
		return http.StatusConflict
	case backup.IsConfigError(err):
		return http.StatusUnprocessableEntity
	case backup.IsStorageUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
