// Package genpool runs the coordinator side of the generation worker
// pool: a websocket endpoint workers register against, a dispatcher
// that queues generation jobs and assigns them to free worker slots,
// and a backend adapter that lets the executor submit jobs to the pool
// like any other generation backend. When no worker is connected the
// queue drains to an embedded local runner.
package genpool

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectedWorker is a worker currently registered with the coordinator
type ConnectedWorker struct {
	ID       string
	MaxJobs  int
	Slots    int
	Backends []string

	Conn          *websocket.Conn
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	mu      sync.Mutex
	writeMu sync.Mutex
}

// UpdateSlots sets the worker's free slot count
func (w *ConnectedWorker) UpdateSlots(slots int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Slots = slots
}

// DecrementSlots consumes one slot, never going below zero
func (w *ConnectedWorker) DecrementSlots() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Slots > 0 {
		w.Slots--
	}
}

// SetLastHeartbeat records when the worker was last heard from
func (w *ConnectedWorker) SetLastHeartbeat(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastHeartbeat = t
}

// GetLastHeartbeat returns when the worker was last heard from
func (w *ConnectedWorker) GetLastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.LastHeartbeat
}

// Snapshot returns the worker's slot state for status reporting
func (w *ConnectedWorker) Snapshot() (maxJobs, slots int, connectedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.MaxJobs, w.Slots, w.ConnectedAt
}

// WriteMessage sends a text message on the worker's connection.
// Gorilla permits one concurrent writer, so all data frames go
// through here.
func (w *ConnectedWorker) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping. Control frames may be written
// concurrently with data frames, so no writeMu here.
func (w *ConnectedWorker) Ping(deadline time.Time) error {
	return w.Conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Registry tracks connected workers
type Registry struct {
	workers map[string]*ConnectedWorker
	mu      sync.RWMutex
}

// NewRegistry creates an empty worker registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*ConnectedWorker)}
}

// Register adds a worker, stamping its connection times. A worker
// reconnecting under the same ID replaces the old entry.
func (r *Registry) Register(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	w.ConnectedAt = now
	w.LastHeartbeat = now
	r.workers[w.ID] = w
}

// Unregister removes a worker by ID
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Drop removes a worker only if it still holds the registration. A
// stale read loop for a replaced connection must not evict the
// worker's fresh entry.
func (r *Registry) Drop(w *ConnectedWorker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.workers[w.ID]
	if !ok || current != w {
		return false
	}
	delete(r.workers, w.ID)
	return true
}

// Get returns a worker by ID, or nil
func (r *Registry) Get(id string) *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count returns the number of connected workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// FindReady returns the worker with the most free slots, or nil when
// every worker is saturated. Preferring the emptiest worker spreads
// jobs instead of piling them onto one machine.
func (r *Registry) FindReady() *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ConnectedWorker
	bestSlots := 0
	for _, w := range r.workers {
		w.mu.Lock()
		slots := w.Slots
		w.mu.Unlock()
		if slots > bestSlots {
			best = w
			bestSlots = slots
		}
	}
	return best
}

// All returns every connected worker
func (r *Registry) All() []*ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConnectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// TotalSlots sums free slots across all workers
func (r *Registry) TotalSlots() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, w := range r.workers {
		w.mu.Lock()
		total += w.Slots
		w.mu.Unlock()
	}
	return total
}
