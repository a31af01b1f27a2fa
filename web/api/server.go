// Package api exposes batch progress over HTTP: JSON endpoints for
// batches, phases, and the transition log, plus an SSE stream that
// pushes phase updates as they land in the store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/observer"
)

// stuckThreshold is how long a phase may sit in an active status
// before the status endpoint flags it.
const stuckThreshold = 10 * time.Minute

// pumpInterval is how often the SSE pump polls the store for new
// phase transitions.
const pumpInterval = 2 * time.Second

// Store is the read side of the batch store the API serves from.
type Store interface {
	ListBatches(opts batchstore.ListOptions) ([]*domain.Batch, error)
	FindBatch(ref string) (*domain.Batch, error)
	ListPhases(batchID string) ([]*domain.ProgressRecord, error)
	Events(batchID string) ([]*domain.PhaseEvent, error)
	EventsSince(batchID string, afterID int64) ([]*domain.PhaseEvent, error)
}

// Controller drives batch lifecycle mutations. It is satisfied by
// executor.Orchestrator.
type Controller interface {
	Resume(ctx context.Context, ref string) (*domain.BatchResult, error)
	Abort(ref string) error
}

// Server is the HTTP API server
type Server struct {
	store  Store
	ctrl   Controller
	obs    *observer.Observer
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	stop   chan struct{}

	httpServer *http.Server
}

// NewServer creates a new API server. ctrl may be nil when the server
// only reads progress; mutation endpoints then answer 503.
func NewServer(store Store, ctrl Controller, addr string) *Server {
	s := &Server{
		store:  store,
		ctrl:   ctrl,
		obs:    observer.New(stuckThreshold),
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		stop:   make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/batches", s.listBatchesHandler())
	s.mux.HandleFunc("/api/batches/", s.batchHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start starts the HTTP server. It blocks until the listener fails or
// Stop is called.
func (s *Server) Start() error {
	go s.sseHub.Run()
	go s.pumpEvents()

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.mux}
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down, draining in-flight requests until ctx
// expires. Call it at most once.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stop)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// pumpEvents polls the store for new phase transitions on running
// batches and forwards them to SSE clients. Batches seen once stay
// polled until their event log goes quiet, so terminal transitions
// written just before completion still reach clients.
func (s *Server) pumpEvents() {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	cursor := make(map[string]int64)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			batches, err := s.store.ListBatches(batchstore.ListOptions{Status: domain.BatchRunning})
			if err != nil {
				continue
			}

			active := make(map[string]bool, len(batches))
			for _, b := range batches {
				active[b.ID] = true
				if _, ok := cursor[b.ID]; !ok {
					cursor[b.ID] = 0
				}
			}

			for id, after := range cursor {
				events, err := s.store.EventsSince(id, after)
				if err != nil {
					continue
				}
				for _, ev := range events {
					cursor[id] = ev.ID
					s.Broadcast(SSEEvent{Type: "phase_update", Data: eventToResponse(ev)})
				}
				if !active[id] && len(events) == 0 {
					delete(cursor, id)
				}
			}
		}
	}
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
