package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"schoolcheckin/internal/models"
	"schoolcheckin/internal/queue"
	"schoolcheckin/internal/service"
	"schoolcheckin/internal/syncmgr"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type checkInRequest struct {
	SchoolID string          `json:"school_id" validate:"required,notblank"`
	UserID   string          `json:"user_id" validate:"required,notblank"`
	Location models.Location `json:"location"`
}

type checkOutRequest struct {
	SessionID string          `json:"session_id" validate:"required,notblank"`
	UserID    string          `json:"user_id" validate:"required,notblank"`
	Location  models.Location `json:"location"`
}

type updateSessionRequest struct {
	UserID string            `json:"user_id" validate:"required,notblank"`
	Notes  string            `json:"notes" validate:"max=2000"`
	Fields map[string]string `json:"fields"`
}

type locationRequest struct {
	UserID    string          `json:"user_id" validate:"required,notblank"`
	SessionID string          `json:"session_id"`
	Location  models.Location `json:"location"`
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := models.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrActionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, syncmgr.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrOfflineUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.CheckIn(r.Context(), req.SchoolID, req.UserID, req.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Offline {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	var req checkOutRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.CheckOut(r.Context(), req.SessionID, req.UserID, req.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Offline {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.svc.UpdateSession(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Notes, req.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleRecordLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.svc.RecordLocation(r.Context(), req.UserID, req.SessionID, req.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetQueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	actions, err := s.svc.GetPendingActions(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %s", raw))
			return
		}
		limit = v
	}
	actions, err := s.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.RetryAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"retried": ok})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelAction(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid force value: %s", raw))
			return
		}
		force = v
	}
	res, err := s.svc.SyncNow(r.Context(), force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Recommendations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.SyncStatistics())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CacheStatistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
