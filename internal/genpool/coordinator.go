package genpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/genpipe/internal/genprotocol"
)

// CoordinatorConfig configures the pool coordinator
type CoordinatorConfig struct {
	WebSocketPort     int
	Token             string // empty disables registration auth
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Coordinator accepts worker connections and moves jobs between the
// dispatcher and connected workers
type Coordinator struct {
	config     CoordinatorConfig
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	server *http.Server
	mu     sync.Mutex
}

const heartbeatWriteWait = 10 * time.Second

// NewCoordinator creates a coordinator and wires the dispatcher's send
// and cancel paths to worker connections
func NewCoordinator(config CoordinatorConfig, registry *Registry, dispatcher *Dispatcher) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		// Two missed heartbeats before eviction
		config.HeartbeatTimeout = 90 * time.Second
	}

	c := &Coordinator{
		config:     config,
		registry:   registry,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	dispatcher.SetSendFunc(c.sendJob)
	dispatcher.SetCancelFunc(c.sendCancel)

	return c
}

// Registry returns the worker registry
func (c *Coordinator) Registry() *Registry { return c.registry }

// Dispatcher returns the job dispatcher
func (c *Coordinator) Dispatcher() *Dispatcher { return c.dispatcher }

// Start runs the coordinator's HTTP server until the server is
// stopped. The heartbeat loop runs until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.HandleWebSocket)
	mux.HandleFunc("/status", c.HandleStatus)

	c.mu.Lock()
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.WebSocketPort),
		Handler: mux,
	}
	server := c.server
	c.mu.Unlock()

	go c.heartbeatLoop(ctx)

	log.Printf("genpool: coordinator listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the coordinator's HTTP server
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// HandleWebSocket upgrades a worker connection and hands it to the
// read loop
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("genpool: upgrade failed: %v", err)
		return
	}
	go c.handleWorker(conn)
}

func (c *Coordinator) handleWorker(conn *websocket.Conn) {
	var workerID string
	var registered *ConnectedWorker
	defer func() {
		conn.Close()
		// Only the connection that owns the registration cleans up;
		// a reconnect under the same ID replaces the entry
		if registered != nil && c.registry.Drop(registered) {
			c.dispatcher.RequeueWorkerJobs(workerID)
			c.dispatcher.TryDispatch()
			log.Printf("genpool: worker %s disconnected", workerID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		if workerID != "" {
			if w := c.registry.Get(workerID); w != nil {
				w.SetLastHeartbeat(time.Now())
			}
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("genpool: read from %q: %v", workerID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env genprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("genpool: invalid message from %q: %v", workerID, err)
			continue
		}

		switch env.Type {
		case genprotocol.TypeRegister:
			var msg genprotocol.RegisterMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("genpool: invalid register: %v", err)
				continue
			}
			if c.config.Token != "" && msg.Token != c.config.Token {
				log.Printf("genpool: rejected worker %q: bad token", msg.WorkerID)
				deadline := time.Now().Add(heartbeatWriteWait)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad token"), deadline)
				return
			}
			workerID = msg.WorkerID
			registered = &ConnectedWorker{
				ID:       msg.WorkerID,
				MaxJobs:  msg.MaxJobs,
				Slots:    msg.MaxJobs,
				Backends: msg.Backends,
				Conn:     conn,
			}
			c.registry.Register(registered)
			log.Printf("genpool: worker %s registered (max_jobs=%d, backends=%v)",
				msg.WorkerID, msg.MaxJobs, msg.Backends)
			c.dispatcher.TryDispatch()

		case genprotocol.TypeReady:
			var msg genprotocol.ReadyMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("genpool: invalid ready: %v", err)
				continue
			}
			if w := c.registry.Get(workerID); w != nil {
				w.UpdateSlots(msg.Slots)
			}
			c.dispatcher.TryDispatch()

		case genprotocol.TypeResult:
			var msg genprotocol.ResultMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("genpool: invalid result: %v", err)
				continue
			}
			c.dispatcher.Complete(msg.JobID, &genprotocol.JobResult{
				JobID:      msg.JobID,
				Output:     msg.Output,
				Model:      msg.Model,
				TokensIn:   msg.TokensIn,
				TokensOut:  msg.TokensOut,
				DurationMs: msg.DurationMs,
			})

		case genprotocol.TypeError:
			var msg genprotocol.ErrorMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("genpool: invalid error message: %v", err)
				continue
			}
			log.Printf("genpool: job %s failed on %s: %s", msg.JobID, workerID, msg.Message)
			c.dispatcher.Complete(msg.JobID, &genprotocol.JobResult{
				JobID:     msg.JobID,
				Err:       msg.Message,
				Retryable: msg.Retryable,
			})

		case genprotocol.TypePong:
			if w := c.registry.Get(workerID); w != nil {
				w.SetLastHeartbeat(time.Now())
			}
		}
	}
}

func (c *Coordinator) sendJob(w *ConnectedWorker, job *genprotocol.JobMessage) error {
	data, err := genprotocol.MarshalEnvelope(genprotocol.TypeJob, job)
	if err != nil {
		return err
	}
	return w.WriteMessage(data)
}

func (c *Coordinator) sendCancel(workerID, jobID string) error {
	w := c.registry.Get(workerID)
	if w == nil {
		return fmt.Errorf("worker %s not connected", workerID)
	}
	data, err := genprotocol.MarshalEnvelope(genprotocol.TypeCancel, genprotocol.CancelMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return w.WriteMessage(data)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

// sendHeartbeats pings every worker and evicts those that have gone
// quiet past the heartbeat timeout
func (c *Coordinator) sendHeartbeats() {
	now := time.Now()
	for _, w := range c.registry.All() {
		if now.Sub(w.GetLastHeartbeat()) > c.config.HeartbeatTimeout {
			log.Printf("genpool: worker %s missed heartbeats, evicting", w.ID)
			w.Conn.Close()
			if c.registry.Drop(w) {
				c.dispatcher.RequeueWorkerJobs(w.ID)
				c.dispatcher.TryDispatch()
			}
			continue
		}
		if err := w.Ping(now.Add(heartbeatWriteWait)); err != nil {
			// The read loop notices the dead connection and cleans up
			log.Printf("genpool: ping to %s failed: %v", w.ID, err)
			w.Conn.Close()
		}
	}
}

// HandleStatus reports pool state as JSON
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type workerStatus struct {
		ID             string   `json:"id"`
		MaxJobs        int      `json:"max_jobs"`
		ActiveJobs     int      `json:"active_jobs"`
		Backends       []string `json:"backends,omitempty"`
		ConnectedSince string   `json:"connected_since"`
	}

	workers := make([]workerStatus, 0)
	for _, cw := range c.registry.All() {
		maxJobs, slots, connectedAt := cw.Snapshot()
		workers = append(workers, workerStatus{
			ID:             cw.ID,
			MaxJobs:        maxJobs,
			ActiveJobs:     maxJobs - slots,
			Backends:       cw.Backends,
			ConnectedSince: connectedAt.Format(time.RFC3339),
		})
	}

	status := map[string]interface{}{
		"workers":               workers,
		"queued_jobs":           c.dispatcher.QueueLength(),
		"local_fallback_active": c.dispatcher.LocalFallbackActive(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
