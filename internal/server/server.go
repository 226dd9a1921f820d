// Package server provides HTTP and WebSocket handlers
package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/GriffinCanCode/eva-daemon/internal/config"
	"github.com/GriffinCanCode/eva-daemon/internal/health"
	"github.com/GriffinCanCode/eva-daemon/internal/observe"
	"github.com/GriffinCanCode/eva-daemon/internal/syncx"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
)

// Status is the daemon snapshot served on /api/status and over the socket.
type Status struct {
	Running    bool   `json:"running"`
	Capturing  bool   `json:"capturing"`
	Device     string `json:"device"`
	SampleRate int    `json:"sample_rate"`
	Buffered   int    `json:"buffered"`
	Callbacks  uint64 `json:"callbacks"`
	Overflows  uint64 `json:"overflows"`
	Evicted    uint64 `json:"evicted"`
	Detections uint64 `json:"detections"`
	Dropped    uint64 `json:"dropped"`
	Clients    int    `json:"clients"`
	Uptime     string `json:"uptime"`
	Webhook    string `json:"webhook,omitempty"`
}

// StatusSource reports the current daemon state.
type StatusSource interface {
	Status() Status
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	status  StatusSource
	origins []string
	clients *syncx.Registry[string, *client]

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics records client counts on m and mounts h on /metrics. Either may
// be nil.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

// New creates a new server.
func New(status StatusSource, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		status:  status,
		origins: cfg.AllowedOrigins,
		clients: syncx.NewRegistry[string, *client](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(s.origins, trace.Middleware(mux))
}

func (s *Server) snapshot() Status {
	st := s.status.Status()
	st.Clients = s.clients.Len()
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func corsMiddleware(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trace.TraceIDKey)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed matches the origin's hostname against path.Match patterns.
func originAllowed(patterns []string, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}

// wsOriginPatterns adapts hostname patterns to the host:port form the
// websocket handshake compares against.
func wsOriginPatterns(patterns []string) []string {
	out := make([]string, 0, 2*len(patterns))
	for _, p := range patterns {
		out = append(out, p, p+":*")
	}
	return out
}
