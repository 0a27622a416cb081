// Package server implements the courier HTTP server: REST API, auth, SSE
// telemetry and the websocket push channel.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/server/ws"
)

// Server is the courier HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	handlers *api.Handlers
	events   *ws.EventHub
	push     *ws.PushHub

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// SetHandlers attaches the REST API handlers.
func (s *Server) SetHandlers(h *api.Handlers) {
	s.handlers = h
}

// SetEventHub attaches the SSE telemetry stream.
func (s *Server) SetEventHub(h *ws.EventHub) {
	s.events = h
}

// SetPushHub attaches the websocket push channel.
func (s *Server) SetPushHub(h *ws.PushHub) {
	s.push = h
}

// Handler returns the root handler with all routes registered.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start begins listening. It returns http.ErrServerClosed after Stop, even
// when Stop ran first.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := s.handlers
	if h == nil {
		h = &api.Handlers{Logger: s.logger}
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.push != nil {
		s.mux.HandleFunc("GET /ws/{agent}", s.handlePush)
	}

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	if s.events != nil {
		apiMux.HandleFunc("GET /api/events", s.events.ServeSSE)
	}

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handlePush upgrades to the agent's push channel. Browsers cannot set
// headers on a websocket upgrade, so the token travels in the query.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if _, err := verifyToken(s.jwtSecret(), token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
		return
	}
	s.push.ServeWS(w, r, r.PathValue("agent"))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
