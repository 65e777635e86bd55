// Package web provides the HTTP surface of the sorting daemon: a status
// page, a JSON status endpoint, the WebSocket event stream and a small
// operator API for settings and controller commands.
package web

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
	"github.com/sawline/timbersort/internal/status"
)

// Controller is the slice of the orchestrator the HTTP handlers need.
type Controller interface {
	Settings() config.Settings
	ApplySettings(ctx context.Context, patch []byte) (config.Settings, error)
	Abort(ctx context.Context) error
	RequestStatus() error
}

// History is the slice of the history store the HTTP handlers need.
type History interface {
	RecentDecisions(limit int) ([]history.Decision, error)
	RecentCycles(limit int) ([]history.Cycle, error)
	Stats() (history.Stats, error)
}

// Server serves the status page and the operator API.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	hub        *hub.Hub
	ctrl       Controller
	hist       History
	logger     *log.Logger
}

// New creates a Server. hist may be nil when history is disabled; the
// decision and stats endpoints then answer 404.
func New(addr string, tracker *status.Tracker, h *hub.Hub, ctrl Controller, hist History, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{tracker: tracker, hub: h, ctrl: ctrl, hist: hist, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/status.json", s.handleStatus)
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/decisions", s.handleDecisions)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/command/status", s.handleCommandStatus)
	mux.HandleFunc("/api/command/abort", s.handleCommandAbort)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
