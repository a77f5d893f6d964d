package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/negotiator/internal/history"
	"github.com/flowpbx/negotiator/internal/session"
)

// Options carries the HTTP server's dependencies.
type Options struct {
	// Sessions is the live session manager.
	Sessions *session.Manager

	// Events is the negotiation event log; nil disables the events routes.
	Events *history.Log

	// Metrics is the registry served at /metrics.
	Metrics prometheus.Gatherer

	// DialogCount reports active SIP dialogs for the status endpoint.
	DialogCount func() int

	// Resume answers a held deferred re-INVITE for a call.
	Resume func(callID string) error

	// StartTime is when the process started, for uptime reporting.
	StartTime time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	opts   Options
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.opts.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/events", s.handleSessionEvents)
				r.Post("/refresh", s.handleRefresh)
				r.Post("/resume", s.handleResume)
				r.Post("/hangup", s.handleHangup)
			})
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the JSON response for GET /api/v1/status.
type statusResponse struct {
	ActiveSessions  int     `json:"active_sessions"`
	ActiveDialogs   int     `json:"active_dialogs"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	RefreshesSent   uint64  `json:"refreshes_sent"`
	RefreshesQueued uint64  `json:"refreshes_queued"`
	Suppressed      uint64  `json:"refreshes_suppressed"`
	Collisions      uint64  `json:"collisions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.opts.Sessions.RefreshStats()
	resp := statusResponse{
		ActiveSessions:  s.opts.Sessions.ActiveSessionCount(),
		UptimeSeconds:   time.Since(s.opts.StartTime).Seconds(),
		RefreshesSent:   stats.Sent,
		RefreshesQueued: stats.Queued,
		Suppressed:      stats.Suppressed,
		Collisions:      stats.Collisions,
	}
	if s.opts.DialogCount != nil {
		resp.ActiveDialogs = s.opts.DialogCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"call_ids": s.opts.Sessions.CallIDs(),
		"count":    s.opts.Sessions.ActiveSessionCount(),
	})
}

// streamEntry is one topology slot in a session response.
type streamEntry struct {
	Slot    int    `json:"slot"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Formats string `json:"formats,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess := s.opts.Sessions.Get(callID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var streams []streamEntry
	if topo := sess.ActiveTopology(); topo != nil {
		for slot := 0; slot < topo.Count(); slot++ {
			st := topo.Get(slot)
			streams = append(streams, streamEntry{
				Slot:    slot,
				Name:    st.Name,
				Type:    string(st.Type),
				State:   string(st.State),
				Formats: st.Formats.String(),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call_id": callID,
		"state":   sess.State(),
		"streams": streams,
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "event log not enabled")
		return
	}
	callID := chi.URLParam(r, "callID")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.opts.Events.ListByCall(r.Context(), callID, limit)
	if err != nil {
		slog.Error("listing session events", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// refreshRequest is the JSON request body for POST .../refresh.
type refreshRequest struct {
	Method string `json:"method"`
}

// handleRefresh triggers a renegotiation of the session's current media
// state. With no changes to send the refresh is suppressed and reported
// as sent=false.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess := s.opts.Sessions.Get(callID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	method := session.MethodInvite
	if r.Body != nil {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Method != "" {
			switch req.Method {
			case string(session.MethodInvite):
				method = session.MethodInvite
			case string(session.MethodUpdate):
				method = session.MethodUpdate
			default:
				writeError(w, http.StatusBadRequest, "method must be INVITE or UPDATE")
				return
			}
		}
	}

	err := sess.Refresh(method, nil)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"sent": true})
	case errors.Is(err, session.ErrNoOp):
		writeJSON(w, http.StatusOK, map[string]any{"sent": false, "reason": "no change"})
	case errors.Is(err, session.ErrTerminated):
		writeError(w, http.StatusGone, "session terminated")
	default:
		slog.Error("triggering refresh", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleResume answers a re-INVITE that was held behind a deferring
// stream handler.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.opts.Resume == nil {
		writeError(w, http.StatusNotImplemented, "resume not available")
		return
	}
	callID := chi.URLParam(r, "callID")
	if err := s.opts.Resume(callID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess := s.opts.Sessions.Get(callID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := sess.Hangup(); err != nil {
		if errors.Is(err, session.ErrTerminated) {
			writeError(w, http.StatusGone, "session terminated")
			return
		}
		slog.Error("hanging up", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hangup": true})
}
