package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/fault"
	"github.com/repcam/backend/internal/session"
	"github.com/repcam/backend/internal/stats"
)

// userHeader carries the authenticated user id, injected by the upstream
// auth layer. The service trusts it as-is.
const userHeader = "X-Repcam-User"

// tokenHeader is the optional static API token header.
const tokenHeader = "X-Repcam-Token"

type Server struct {
	registry    *session.Registry
	store       *stats.Store
	leaderboard *stats.Leaderboard
	spectator   http.HandlerFunc
	authToken   string
	log         zerolog.Logger
	startedAt   time.Time
}

func New(registry *session.Registry, store *stats.Store, leaderboard *stats.Leaderboard, spectator http.HandlerFunc, authToken string, log zerolog.Logger) *Server {
	return &Server{
		registry:    registry,
		store:       store,
		leaderboard: leaderboard,
		spectator:   spectator,
		authToken:   authToken,
		log:         log.With().Str("component", "api").Logger(),
		startedAt:   time.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authorize)
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/complete", s.handleCompleteSession)
		r.Post("/sessions/{sessionID}/samples", s.handleSample)
		r.Post("/sessions/{sessionID}/heartbeat", s.handleHeartbeat)
		r.Post("/sessions/{sessionID}/abort", s.handleAbort)
		r.Get("/users/{userID}/stats", s.handleUserStats)
		r.Get("/leaderboard", s.handleLeaderboard)
	})

	if s.spectator != nil {
		r.Get("/ws", s.spectator)
	}
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenOK(r) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenOK(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get(tokenHeader) == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		writeUnauthorized(w)
		return "", false
	}
	return id, true
}

// handleStartSession opens a session and streams its events until the
// terminal status event. Client disconnect aborts the session.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		SourceID string `json:"sourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fmt.Errorf("invalid request body: %w", fault.ErrInvalidArgument))
		return
	}

	m, err := s.registry.Start(userID, req.SourceID)
	if err != nil {
		writeErr(w, err)
		return
	}

	events, err := m.Subscribe()
	if err != nil {
		m.Abort(session.AbortClient)
		writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		m.Abort(session.AbortClient)
		writeErr(w, fmt.Errorf("streaming unsupported: %w", fault.ErrInternal))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				m.Abort(session.AbortDisconnect)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			m.Abort(session.AbortDisconnect)
			return
		}
	}
}

// handleSample ingests one metric sample from the vision collaborator. Late
// samples are accepted and dropped rather than surfaced as errors.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Lookup(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var req struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fmt.Errorf("invalid sample body: %w", fault.ErrInvalidArgument))
		return
	}

	m.Sample(req.Value)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Lookup(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	m.Heartbeat()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Lookup(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	m.Abort(session.AbortClient)
	w.WriteHeader(http.StatusNoContent)
}

// handleCompleteSession finalizes the caller's active session and returns
// the freshly committed stats snapshot.
func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	m, err := s.registry.ActiveForUser(userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := m.Complete(r.Context()); err != nil {
		writeErr(w, err)
		return
	}

	st, err := s.store.GetUserStats(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetUserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleLeaderboard serves the ranked standings. A missing or invalid limit
// falls back to the default rather than failing.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.leaderboard.Top(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []stats.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshots())
}
