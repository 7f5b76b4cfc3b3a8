// Package api serves the read-only HTTP surface: health, live sessions and
// broadcast history. The WebSocket endpoint is mounted here too.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"

	"minbar/internal/session"
	"minbar/internal/websocket"
	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Sessions is the read side of the session store.
type Sessions interface {
	ListLive() []types.SessionInfo
	Snapshot(sessionID string) (types.SessionInfo, error)
	Stats() session.StoreStats
}

// Connections reports registry statistics.
type Connections interface {
	Stats() websocket.RegistryStats
}

// Health is anything that can report its own liveness.
type Health interface {
	HealthCheck(ctx context.Context) error
}

// Deps groups what the server reads from. Archive and Database may be nil when
// persistence is disabled.
type Deps struct {
	Sessions    Sessions
	Connections Connections
	Archive     interfaces.BroadcastArchive
	Database    Health
	WebSocket   http.Handler
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
	router  chi.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		logger:  logger,
		started: time.Now(),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/health", s.healthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/mosques/{id}/broadcasts", s.listBroadcasts)
	})

	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListSessionsResponse struct {
	Sessions []types.SessionInfo `json:"sessions"`
}

type SessionResponse struct {
	Session types.SessionInfo `json:"session"`
}

type BroadcastsResponse struct {
	MosqueID   string                  `json:"mosqueId"`
	Broadcasts []*types.SessionSummary `json:"broadcasts"`
}

type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Uptime      string                  `json:"uptime"`
	Database    string                  `json:"database"`
	Connections websocket.RegistryStats `json:"connections"`
	Sessions    session.StoreStats      `json:"sessions"`
	System      SystemStats             `json:"system"`
}

type SystemStats struct {
	RSSBytes uint64 `json:"rssBytes,omitempty"`
	Threads  int32  `json:"threads,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/sessions lists live sessions, oldest first.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.ListLive()
	if sessions == nil {
		sessions = []types.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

// GET /api/sessions/{id} returns one snapshot, including per-language
// subscriber counts.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Sessions.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{Session: info})
}

// GET /api/mosques/{id}/broadcasts?limit=N returns archived summaries.
func (s *Server) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	mosqueID := chi.URLParam(r, "id")
	if !types.IsValidID(mosqueID) {
		s.sendError(w, types.ErrInvalidMosqueID.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.sendError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.deps.Archive == nil {
		s.sendError(w, "Broadcast archive unavailable", http.StatusServiceUnavailable)
		return
	}

	broadcasts, err := s.deps.Archive.ListBroadcasts(r.Context(), mosqueID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to list broadcasts", "mosque_id", mosqueID, "error", err)
		if errors.Is(err, interfaces.ErrArchiveUnavailable) {
			s.sendError(w, "Broadcast archive unavailable", http.StatusServiceUnavailable)
			return
		}
		s.sendError(w, "Failed to list broadcasts", http.StatusInternalServerError)
		return
	}
	if broadcasts == nil {
		broadcasts = []*types.SessionSummary{}
	}
	s.writeJSON(w, http.StatusOK, BroadcastsResponse{MosqueID: mosqueID, Broadcasts: broadcasts})
}

// GET /health reports component status; 503 when the database is down.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Database != nil {
		dbStatus = "healthy"
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  dbStatus,
		Sessions:  s.deps.Sessions.Stats(),
		System:    processStats(),
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// processStats samples this process. Failures leave fields zero.
func processStats() SystemStats {
	var stats SystemStats
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	return stats
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// requestLogger logs each request at debug; health checks are skipped.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start).String())
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web dashboards to read the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
