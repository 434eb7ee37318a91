// Package api serves the bridge's HTTP endpoints: membership state,
// status commands, alarm history, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"divera/internal/coordinator"
	"divera/internal/plugins/history"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlarmHistory is the read side of the alarm store.
type AlarmHistory interface {
	Alarms(ctx context.Context, ucrID, limit int) ([]history.AlarmRecord, error)
}

// HealthReporter reports whether a publisher's target is reachable.
type HealthReporter interface {
	Healthy() bool
}

// Options configure the server.
type Options struct {
	// Listen is the listen address, e.g. ":8080".
	Listen string

	// ReadOnly rejects status commands.
	ReadOnly bool

	// History serves /alarms from the store; nil falls back to the last
	// alarm of the snapshot.
	History AlarmHistory

	// Publishers are reported in /health by name.
	Publishers map[string]HealthReporter
}

// Server provides HTTP API endpoints for the bridge
type Server struct {
	coordinators []*coordinator.Coordinator
	opts         Options
	logger       *zap.Logger
	server       *http.Server
	router       chi.Router
}

// NewServer creates a new API server
func NewServer(coordinators []*coordinator.Coordinator, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		coordinators: coordinators,
		opts:         opts,
		logger:       logger.Named("api"),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(coordinators))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/api/clusters", func(r chi.Router) {
		r.Get("/", s.handleListClusters)
		r.Route("/{ucr}", func(r chi.Router) {
			r.Get("/", s.handleGetCluster)
			r.Post("/status", s.handleSetStatus)
			r.Get("/alarms", s.handleAlarms)
		})
	})
	s.router = r

	s.server = &http.Server{
		Addr:         opts.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status      string            `json:"status"`
	Memberships map[string]string `json:"memberships"`
	Publishers  map[string]bool   `json:"publishers,omitempty"`
}

// handleHealth reports "ok" while every membership is available and every
// publisher reachable, "degraded" with status 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Memberships: make(map[string]string, len(s.coordinators)),
	}

	for _, c := range s.coordinators {
		resp.Memberships[fmt.Sprintf("%d", c.UCRID())] = c.State().String()
		if !c.Available() {
			resp.Status = "degraded"
		}
	}
	if len(s.opts.Publishers) > 0 {
		resp.Publishers = make(map[string]bool, len(s.opts.Publishers))
		for name, p := range s.opts.Publishers {
			healthy := p.Healthy()
			resp.Publishers[name] = healthy
			if !healthy {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Membership and publisher health"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/clusters", Method: "GET", Description: "All memberships with their entities"},
	{Path: "/api/clusters/{ucr}", Method: "GET", Description: "One membership with its entities"},
	{Path: "/api/clusters/{ucr}/status", Method: "POST", Description: `Set the user status: {"status": "<name>"} or {"id": <id>}`},
	{Path: "/api/clusters/{ucr}/alarms", Method: "GET", Description: "Recent alarms (?limit=N)"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Divera Bridge API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost%s/api/clusters | jq\n", s.opts.Listen)
	fmt.Fprintf(w, "  curl -X POST -d '{\"status\":\"Available\"}' http://localhost%s/api/clusters/<ucr>/status\n", s.opts.Listen)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Status: status, Message: message})
}
