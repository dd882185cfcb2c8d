package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/session"
	"github.com/JakeFAU/certcatalog-crawler/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	progressTimeout = 3 * time.Second
)

// listSessions handles GET /v1/sessions. It returns {"sessions": [...]} with
// the sessions this process is tracking, most recent first.
func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// startSession handles POST /v1/sessions. It answers 202 with the new session
// ID, 409 while another session is active, or 503 when sessions cannot be
// started from the API.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "session starter unavailable")
		return
	}
	id, err := s.starter.StartSession(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

// getSession handles GET /v1/sessions/{session_id}. Live sessions come from
// the registry; older ones fall back to the progress repository.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if sess, ok := s.sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"session": sess.Snapshot()})
		return
	}
	s.writeRun(w, r, id)
}

// controlSession handles POST /v1/sessions/{session_id}/{pause|resume|cancel}.
func (s *Server) controlSession(w http.ResponseWriter, r *http.Request) {
	cmd, err := control.ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "session_id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := sess.Control(cmd); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("session control failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "control failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"command":    string(cmd),
		"state":      string(sess.State()),
	})
}

// listRuns handles GET /v1/runs?limit=&offset=. It returns {"runs": [...]}
// from the progress repository, 400 for bad paging, or 503 without a repo.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	runs, err := s.repo.ListSessions(ctx, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.SessionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /v1/runs/{session_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	s.writeRun(w, r, chi.URLParam(r, "session_id"))
}

func (s *Server) writeRun(w http.ResponseWriter, r *http.Request, id string) {
	if s.repo == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	run, err := s.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get run failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	batches, err := s.repo.ListBatches(ctx, id)
	if err != nil {
		s.logger.Error("list batches failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batches")
		return
	}
	if batches == nil {
		batches = []store.BatchRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "batches": batches})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
