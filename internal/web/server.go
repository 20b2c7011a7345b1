// Package web serves the management surface: runtime stats, connection
// and room inspection, the audit trail, debug streaming, and Prometheus
// metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/component"
	"github.com/liveframe/liveframe/internal/connection"
	"github.com/liveframe/liveframe/internal/debug"
	"github.com/liveframe/liveframe/internal/room"
	"github.com/liveframe/liveframe/internal/signature"
	"github.com/liveframe/liveframe/internal/store"
	"github.com/liveframe/liveframe/internal/upload"
)

// AuditReader reads persisted audit entries.
type AuditReader interface {
	ListAudit(limit int) ([]store.AuditEntry, error)
}

// Dependencies defines what the web server needs from the rest of the
// runtime.
type Dependencies struct {
	Conns    *connection.Manager
	Registry *component.Registry
	Rooms    *room.Manager
	Uploads  *upload.Manager
	Signer   *signature.Engine
	Debug    *debug.Debugger
	Audit    AuditReader
	WS       http.HandlerFunc // websocket upgrade endpoint
	Clock    clock.Clock
	Log      *slog.Logger
	Version  string
}

// Server is the management HTTP server.
type Server struct {
	deps      Dependencies
	mux       *http.ServeMux
	startedAt time.Time
	srv       *http.Server

	alertMu  sync.Mutex
	resolved map[string]time.Time // alert id → when an operator resolved it
}

// New creates a Server and wires its routes.
func New(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		startedAt: deps.Clock.Now(),
		resolved:  make(map[string]time.Time),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.deps.WS != nil {
		s.mux.HandleFunc("GET /api/live/ws", s.deps.WS)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /health", s.apiHealth)
	s.mux.HandleFunc("GET /api/live/health", s.apiHealth)

	s.mux.HandleFunc("GET /api/live/stats", s.apiStats)
	s.mux.HandleFunc("GET /api/live/connections", s.apiConnections)
	s.mux.HandleFunc("GET /api/live/connections/{id}", s.apiConnection)
	s.mux.HandleFunc("GET /api/live/pools", s.apiPools)
	s.mux.HandleFunc("GET /api/live/pools/{id}/stats", s.apiPoolStats)
	s.mux.HandleFunc("GET /api/live/rooms", s.apiRooms)
	s.mux.HandleFunc("GET /api/live/performance", s.apiPerformance)
	s.mux.HandleFunc("GET /api/live/performance/dashboard", s.apiPerformanceDashboard)
	s.mux.HandleFunc("GET /api/live/performance/components/{id}", s.apiPerformanceComponent)
	s.mux.HandleFunc("POST /api/live/performance/alerts/{id}/resolve", s.apiAlertResolve)
	s.mux.HandleFunc("GET /api/live/audit", s.apiAudit)

	s.mux.HandleFunc("GET /api/live/debug", s.apiDebugSnapshot)
	s.mux.HandleFunc("GET /api/live/debug/snapshot", s.apiDebugSnapshot)
	s.mux.HandleFunc("GET /api/live/debug/events", s.apiDebugEvents)
	s.mux.HandleFunc("POST /api/live/debug/toggle", s.apiDebugToggle)
	s.mux.HandleFunc("POST /api/live/debug/clear", s.apiDebugClear)
	s.mux.HandleFunc("GET /api/live/debug/ws", s.apiDebugStream)
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Log.Info("management server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("management server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.deps.Version,
		"uptime":      s.deps.Clock.Now().Sub(s.startedAt).String(),
		"connections": s.deps.Conns.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
