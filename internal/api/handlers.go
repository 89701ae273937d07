package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) activateCrawler(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawler_id")
	if err := s.scheduler.Activate(r.Context(), crawlerID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"crawler_id": crawlerID,
		"status":     "scheduled",
	})
}

func (s *Server) deactivateCrawler(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawler_id")
	if err := s.scheduler.Deactivate(r.Context(), crawlerID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"crawler_id": crawlerID,
		"status":     "unscheduled",
	})
}

func (s *Server) rescheduleCrawler(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawler_id")
	if err := s.scheduler.Reschedule(r.Context(), crawlerID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"crawler_id": crawlerID,
		"status":     "rescheduled",
	})
}

func (s *Server) testRunCrawler(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawler_id")
	entryID, err := s.scheduler.TestRun(r.Context(), crawlerID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"crawler_id": crawlerID,
		"entry_id":   entryID,
	})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawler_id")
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	executions, err := s.tracker.History(r.Context(), crawlerID, limit, offset)
	if err != nil {
		writeError(w, statusForError(err), "failed to fetch execution history")
		return
	}
	if executions == nil {
		executions = []crawljob.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawler_id": crawlerID,
		"executions": executions,
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count queue entries")
		return
	}
	metrics.SetQueueDepth("waiting", counts.Waiting)
	metrics.SetQueueDepth("delayed", counts.Delayed)
	metrics.SetQueueDepth("active", counts.Active)
	writeJSON(w, http.StatusOK, counts)
}

func parseLimitOffset(r *http.Request) (limit, offset int, err error) {
	limit = defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, crawljob.ErrNotFound):
		return http.StatusNotFound
	case crawljob.IsKind(err, crawljob.KindConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
