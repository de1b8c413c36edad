package api

import (
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.httpsRedirectMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Clients connect to the bare host as well as the configured path.
	r.Get("/", s.handleRoot)
	if path := s.wsPath(); path != "/" {
		r.Get(path, s.handleWebSocket)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Get("/{id}/history", s.handleDeviceHistory)
		})
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/"
	}
	return s.wsCfg.Path
}

// handleRoot upgrades WebSocket requests and serves the status page to
// everything else.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	s.handleStatusPage(w, r)
}

// handleStatusPage describes the running relay and where to connect.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if s.cfg.TLS.Enabled || s.cfg.ForceHTTPS || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	path := s.wsPath()
	if path == "/" {
		path = ""
	}
	endpoint := html.EscapeString(fmt.Sprintf("%s://%s%s", scheme, r.Host, path))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	fmt.Fprintf(w, `<h1>WebSocket Relay Server</h1>
<p>Status: Running</p>
<p>Mode: %s</p>
<p>WebSocket endpoint: <code>%s</code></p>
`, html.EscapeString(string(s.broker.Mode())), endpoint)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	WSClients         int    `json:"wsClients"`
	RegisteredDevices int    `json:"registeredDevices"`
	Version           string `json:"version,omitempty"`
}

// handleHealth reports liveness with open connection and device counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.broker.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "healthy",
		WSClients:         stats.ActiveConnections,
		RegisteredDevices: stats.RegisteredDevices,
		Version:           s.version,
	})
}
