// Package genworker implements the worker side of the generation
// pool: a client that registers with one or more coordinators over
// websocket, receives generation jobs, runs them against its own
// backend adapter and reports results, reconnecting with backoff when
// a coordinator goes away.
package genworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/genprotocol"
)

// Reconnection backoff
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for the given attempt number
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long to wait for a coordinator ping before giving
// up on the connection
const pingWait = 90 * time.Second

// writeWait bounds control message writes
const writeWait = 10 * time.Second

// Config configures a worker connection
type Config struct {
	ServerURL string
	Name      string
	Token     string
	MaxJobs   int
	Debug     bool
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max jobs must be positive")
	}
	return nil
}

// Worker runs generation jobs dispatched by a coordinator
type Worker struct {
	config  Config
	adapter backend.Adapter
	slots   *Pool

	// coordinator label for logs when one worker serves several
	coordName string

	conn   *websocket.Conn
	connMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// NewWorker creates a worker with its own slot pool
func NewWorker(config Config, adapter backend.Adapter) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newWorker(config, adapter, NewPool(config.MaxJobs), config.ServerURL), nil
}

// newWorker wires a worker around a possibly shared slot pool. The
// multi-coordinator client passes one pool to every connection.
func newWorker(config Config, adapter backend.Adapter, slots *Pool, coordName string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:    config,
		adapter:   adapter,
		slots:     slots,
		coordName: coordName,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]context.CancelFunc),
	}
}

// Connect dials the coordinator and registers
func (w *Worker) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Coordinator pings keep the read deadline alive; we answer with
	// pongs since overriding the handler drops the default response
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil && w.config.Debug {
			log.Printf("genworker: pong to %s failed: %v", w.coordName, err)
		}
		return err
	})

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	return w.send(genprotocol.TypeRegister, genprotocol.RegisterMessage{
		WorkerID: w.config.Name,
		MaxJobs:  w.config.MaxJobs,
		Token:    w.config.Token,
		Backends: []string{w.adapter.Name()},
	})
}

// Run reads and handles coordinator messages until the connection
// drops or the worker stops
func (w *Worker) Run() error {
	if err := w.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env genprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("genworker: invalid message: %v", err)
			continue
		}

		switch env.Type {
		case genprotocol.TypeJob:
			var job genprotocol.JobMessage
			if err := json.Unmarshal(env.Payload, &job); err != nil {
				log.Printf("genworker: invalid job message: %v", err)
				continue
			}
			go w.handleJob(job)

		case genprotocol.TypeCancel:
			var cancel genprotocol.CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				log.Printf("genworker: invalid cancel message: %v", err)
				continue
			}
			log.Printf("genworker: canceling job %s", cancel.JobID)
			w.CancelJob(cancel.JobID)

		case genprotocol.TypePing:
			// Application-level ping from coordinators behind
			// frame-stripping proxies
			w.send(genprotocol.TypePong, nil)
		}
	}
}

func (w *Worker) handleJob(job genprotocol.JobMessage) {
	if !w.slots.Acquire() {
		w.send(genprotocol.TypeError, genprotocol.ErrorMessage{
			JobID:     job.JobID,
			Message:   "no slots available",
			Retryable: true,
		})
		return
	}
	defer func() {
		w.slots.Release()
		w.UntrackJob(job.JobID)
		w.sendReady()
	}()

	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()

	w.TrackJob(job.JobID, cancel)

	res, err := w.adapter.Invoke(ctx, backend.Request{
		Prompt:      job.Prompt,
		System:      job.System,
		Model:       job.Model,
		Temperature: job.Temperature,
		TopP:        job.TopP,
		MaxTokens:   job.MaxTokens,
	})
	if err != nil {
		w.send(genprotocol.TypeError, genprotocol.ErrorMessage{
			JobID:     job.JobID,
			Message:   err.Error(),
			Retryable: backend.Classify(err).Retryable(),
		})
		return
	}

	w.send(genprotocol.TypeResult, genprotocol.ResultMessage{
		JobID:      job.JobID,
		Output:     res.Output,
		Model:      res.Model,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		DurationMs: res.Duration.Milliseconds(),
	})
}

func (w *Worker) sendReady() error {
	return w.send(genprotocol.TypeReady, genprotocol.ReadyMessage{
		Slots: w.slots.Available(),
	})
}

// sendReadyIfConnected reports slots without treating a missing
// connection as an error; used by the shared-pool broadcast
func (w *Worker) sendReadyIfConnected() error {
	w.connMu.Lock()
	connected := w.conn != nil
	w.connMu.Unlock()
	if !connected {
		return nil
	}
	return w.sendReady()
}

func (w *Worker) send(msgType string, payload interface{}) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := genprotocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop shuts the worker down and closes its connection
func (w *Worker) Stop() {
	w.cancel()
	w.closeConn()
}

func (w *Worker) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// RunWithReconnect runs the worker, reconnecting with exponential
// backoff, until Stop is called
func (w *Worker) RunWithReconnect() error {
	return w.runReconnect(w.ctx)
}

func (w *Worker) runReconnect(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.Connect(); err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("genworker: connecting to %s failed: %v, retrying in %v", w.coordName, err, delay)
			attempt++

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("genworker: connected to %s", w.coordName)

		err := w.Run()

		// Close before reconnecting so the dead connection does not
		// leak a file descriptor
		w.closeConn()

		if err != nil {
			log.Printf("genworker: disconnected from %s: %v", w.coordName, err)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// TrackJob registers a job's cancel function
func (w *Worker) TrackJob(jobID string, cancel context.CancelFunc) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	w.jobs[jobID] = cancel
}

// UntrackJob removes a job from tracking
func (w *Worker) UntrackJob(jobID string) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	delete(w.jobs, jobID)
}

// HasJob reports whether a job is currently tracked
func (w *Worker) HasJob(jobID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	_, ok := w.jobs[jobID]
	return ok
}

// CancelJob cancels a running job's context
func (w *Worker) CancelJob(jobID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[jobID]
	if ok {
		delete(w.jobs, jobID)
	}
	w.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
