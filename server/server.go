package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/router"
	"github.com/hupe1980/flowmesh/session"
)

// Options configure the HTTP server.
type Options struct {
	// Logger receives request and stream logs. Defaults to NoOpLogger.
	Logger logging.Logger
	// Metrics holds the Prometheus instruments. Defaults to a fresh set on
	// the default registry.
	Metrics *Metrics
}

// Server is the HTTP control plane over a session registry.
type Server struct {
	registry *session.Registry
	logger   logging.Logger
	metrics  *Metrics
}

// New creates the server for the given registry.
func New(registry *session.Registry, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Server{
		registry: registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Handler builds the chi route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/sessions", func(r chi.Router) {
		// The websocket upgrade needs the raw ResponseWriter, so the
		// events route stays outside the instrumentation middleware.
		r.Get("/{id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.metrics.instrument)
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleDelete)
			r.Post("/{id}/turns", s.handleTurn)
			r.Post("/{id}/route", s.handleRoute)
			r.Post("/{id}/parallel", s.handleParallel)
			r.Get("/{id}/history", s.handleHistory)
			r.Get("/{id}/metrics", s.handleSessionMetrics)
		})
	})

	return r
}

type createRequest struct {
	FlowID      string `json:"flowId"`
	Strategy    string `json:"strategy,omitempty"`
	EntryNodeID string `json:"entryNodeId,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FlowID == "" {
		s.writeError(w, http.StatusBadRequest, "flowId is required")
		return
	}

	var strategy router.Strategy
	if req.Strategy != "" {
		var err error
		strategy, err = router.ParseStrategy(req.Strategy)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sess, err := s.registry.Create(r.Context(), req.FlowID, func(o *session.CreateOptions) {
		o.Strategy = strategy
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := sess.Start(r.Context(), req.EntryNodeID); err != nil {
		// A session that cannot start its entry node is useless; drop it.
		_ = s.registry.Remove(r.Context(), sess.ID())
		s.writeDomainError(w, err)
		return
	}

	s.metrics.sessionsTotal.Inc()
	s.metrics.sessionsActive.Set(float64(s.registry.Len()))
	s.writeJSON(w, http.StatusCreated, sess.Summarize())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.List()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Summarize())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.sessionsActive.Set(float64(s.registry.Len()))
	w.WriteHeader(http.StatusNoContent)
}

type turnRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := sess.PostTurn(r.Context(), req.Text)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.turnsTotal.Inc()
	if result.Routed {
		s.metrics.handoffsTotal.WithLabelValues("auto").Inc()
	}
	s.writeJSON(w, http.StatusOK, result)
}

type routeRequest struct {
	ToNodeID string `json:"toNodeId"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToNodeID == "" {
		s.writeError(w, http.StatusBadRequest, "toNodeId is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	if err := sess.Handoff(r.Context(), req.ToNodeID, reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.handoffsTotal.WithLabelValues("manual").Inc()
	s.writeJSON(w, http.StatusOK, sess.Summarize())
}

func (s *Server) handleParallel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	responses, err := sess.FanOut(r.Context(), req.Text)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.fanOutsTotal.Inc()
	s.writeJSON(w, http.StatusOK, map[string]any{"responses": responses})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"turns":       sess.Turns(),
		"transitions": sess.Transitions(),
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"summary":   sess.Summarize(),
		"decisions": sess.Decisions(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps runtime errors to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidTarget) || errors.Is(err, core.ErrNoEntryNode):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrSessionClosed) || errors.Is(err, core.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
