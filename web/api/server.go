// Package api exposes the run orchestrator over HTTP: a JSON API for
// starting, stopping and inspecting runs, plus SSE and WebSocket streams
// of live run events.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ammonwk/truffles/internal/domain"
	"github.com/ammonwk/truffles/internal/orchestrator"
)

// Orchestrator is the surface of the run coordinator the API needs
type Orchestrator interface {
	Start(req domain.RunRequest) (orchestrator.StartResult, error)
	Stop(recordID string) bool
	Status() (*orchestrator.StatusReport, error)
	Session(recordID string) (*domain.RunRecord, error)
	SetMaxConcurrent(n int)
	SetTimeoutMinutes(n int)
}

// Server is the HTTP API server. It also implements the orchestrator's
// broadcast sink, fanning events out to SSE and WebSocket subscribers.
type Server struct {
	orch   Orchestrator
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	wsHub  *WSHub
	http   *http.Server
}

// NewServer creates a new API server. orch may be nil at construction
// and set later with SetOrchestrator; it must be in place before Start.
func NewServer(orch Orchestrator, addr string) *Server {
	s := &Server{
		orch:   orch,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		wsHub:  NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/settings", s.settingsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// SetOrchestrator wires the orchestrator in after construction. The
// server is the orchestrator's event sink, so the two cannot be built
// in one step.
func (s *Server) SetOrchestrator(orch Orchestrator) {
	s.orch = orch
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start() error {
	go s.sseHub.Run()
	go s.wsHub.Run()
	s.http = &http.Server{Addr: s.addr, Handler: s.mux}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server and both hubs
func (s *Server) Shutdown(ctx context.Context) error {
	s.sseHub.Stop()
	s.wsHub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Emit fans a run event out to all live subscribers. It satisfies the
// orchestrator's sink and never blocks.
func (s *Server) Emit(ev domain.Event) {
	s.sseHub.Broadcast(ev)
	s.wsHub.Broadcast(ev)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
