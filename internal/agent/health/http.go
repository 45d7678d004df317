// Package health provides HTTP health endpoints for process supervisors and
// load balancers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/pool"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int
	Bind string // e.g. "127.0.0.1" or "0.0.0.0"
}

// Component and overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the JSON response for /health endpoint.
type HealthResponse struct {
	Status     string                     `json:"status"`
	State      string                     `json:"state"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ReadyResponse is the JSON response for /ready endpoint.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// LiveResponse is the JSON response for /live endpoint.
type LiveResponse struct {
	Alive bool `json:"alive"`
}

// HealthProvider is an interface for retrieving agent health status.
type HealthProvider interface {
	GetState() string
	GetVersion() string
	GetStartTime() time.Time
	IsIPCRunning() bool
	CacheStats() pool.Stats
	// CheckProfiles reports whether the profile store can be read and how
	// many profiles it holds.
	CheckProfiles(ctx context.Context) (int, error)
}

// Server is the HTTP health endpoint server.
type Server struct {
	config   ServerConfig
	provider HealthProvider

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	running bool
}

// NewServer creates a new HTTP health server.
func NewServer(config ServerConfig, provider HealthProvider) *Server {
	if config.Bind == "" {
		config.Bind = "127.0.0.1"
	}

	return &Server{
		config:   config,
		provider: provider,
	}
}

// Handler returns the endpoint mux. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	for _, path := range []string{"/ready", "/readyz"} {
		mux.HandleFunc("GET "+path, s.handleReady)
	}
	for _, path := range []string{"/live", "/livez"} {
		mux.HandleFunc("GET "+path, s.handleLive)
	}
	return mux
}

// Start starts the HTTP server. Port 0 picks a free port; Addr reports it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := net.JoinHostPort(s.config.Bind, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.running = true
	logger.Info("HTTP health server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.running = false
	logger.Info("HTTP health server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.aggregateComponentHealth(r.Context())
	overallStatus := calculateOverallStatus(components)

	logger.Debug("HTTP request", "endpoint", "/health", "remote", r.RemoteAddr, "status", overallStatus)

	resp := HealthResponse{
		Status:     overallStatus,
		State:      s.provider.GetState(),
		Version:    s.provider.GetVersion(),
		Components: components,
	}
	if start := s.provider.GetStartTime(); !start.IsZero() {
		resp.Uptime = strings.TrimSpace(humanize.RelTime(start, time.Now(), "", ""))
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Ready: true}
	if state := s.provider.GetState(); state != "running" {
		resp.Ready = false
		resp.Reason = "agent is " + state
	} else if _, err := s.provider.CheckProfiles(r.Context()); err != nil {
		resp.Ready = false
		resp.Reason = "profile store unavailable: " + err.Error()
	}

	logger.Debug("HTTP request", "endpoint", "/ready", "remote", r.RemoteAddr, "ready", resp.Ready)

	statusCode := http.StatusOK
	if !resp.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LiveResponse{Alive: true})
}

// aggregateComponentHealth collects health status from all components.
func (s *Server) aggregateComponentHealth(ctx context.Context) map[string]ComponentHealth {
	components := make(map[string]ComponentHealth)

	if n, err := s.provider.CheckProfiles(ctx); err != nil {
		components["profiles"] = ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
	} else {
		components["profiles"] = ComponentHealth{Status: StatusHealthy, Message: fmt.Sprintf("%d connection(s) registered", n)}
	}

	stats := s.provider.CacheStats()
	inUse := 0
	for _, src := range stats.Sources {
		inUse += src.InUse
	}
	components["cache"] = ComponentHealth{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d pooled source(s), %d connection(s) in use", len(stats.Sources), inUse),
	}

	if s.provider.IsIPCRunning() {
		components["ipc"] = ComponentHealth{Status: StatusHealthy, Message: "listening"}
	} else {
		components["ipc"] = ComponentHealth{Status: StatusDegraded, Message: "disabled or not running"}
	}

	return components
}

// calculateOverallStatus determines the overall health status from components.
func calculateOverallStatus(components map[string]ComponentHealth) string {
	hasDegraded := false
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn("Error encoding JSON response", "error", err)
	}
}
