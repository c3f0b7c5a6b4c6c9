// Package api exposes the read-only dispatch status server. It serves the
// live dispatch document, per-backend health, and a server-sent event stream
// of dispatch lifecycle events.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/fleet-dispatch/internal/backend"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// Store is the slice of the dispatch state store the server reads from
type Store interface {
	All() ([]domain.DispatchRecord, error)
	ActiveDispatches() ([]domain.DispatchRecord, error)
	FindBySessionID(sessionID string) (*domain.DispatchRecord, error)
}

// Server is the read-only HTTP status server
type Server struct {
	store    Store
	registry *backend.Registry
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
}

// NewServer creates a status server listening on addr
func NewServer(store Store, registry *backend.Registry, addr string) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/api/dispatches", s.listDispatchesHandler())
	s.mux.HandleFunc("/api/dispatches/", s.getDispatchHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start starts the HTTP server. It blocks.
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Hub returns the SSE hub so it can be wired as an event emitter sink
func (s *Server) Hub() *SSEHub {
	return s.sseHub
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
