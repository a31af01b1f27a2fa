// Package genprotocol defines the websocket wire format between the
// generation pool coordinator and its workers. Messages travel as JSON
// envelopes; EnvelopeRaw defers payload decoding until the type is known.
package genprotocol

import "encoding/json"

// Message types
const (
	// Worker -> coordinator
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeResult   = "result"
	TypeError    = "error"

	// Coordinator -> worker
	TypeJob    = "job"
	TypeCancel = "cancel"

	// Application-level heartbeat, kept for workers behind proxies
	// that strip websocket control frames
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope wraps a message for sending
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw wraps a received message, payload still undecoded
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope encodes a payload into an envelope of the given type
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// RegisterMessage announces a worker to the coordinator
type RegisterMessage struct {
	WorkerID string   `json:"worker_id"`
	MaxJobs  int      `json:"max_jobs"`
	Token    string   `json:"token,omitempty"`
	Backends []string `json:"backends,omitempty"`
}

// ReadyMessage reports current free slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// ResultMessage carries a completed generation back to the coordinator
type ResultMessage struct {
	JobID      string `json:"job_id"`
	Output     string `json:"output"`
	Model      string `json:"model,omitempty"`
	TokensIn   int    `json:"tokens_in,omitempty"`
	TokensOut  int    `json:"tokens_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorMessage reports a failed generation. Retryable tells the
// coordinator whether resubmitting the same job can help.
type ErrorMessage struct {
	JobID     string `json:"job_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// JobMessage dispatches one generation job to a worker. Temperature
// and TopP are pointers so an explicit zero survives the trip.
type JobMessage struct {
	JobID       string   `json:"job_id"`
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TimeoutSecs int      `json:"timeout_secs,omitempty"`
}

// CancelMessage asks a worker to abandon a job
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// JobResult is the dispatcher's currency: the outcome of one job,
// success or failure, assembled from Result/Error messages.
type JobResult struct {
	JobID      string
	Output     string
	Model      string
	TokensIn   int
	TokensOut  int
	DurationMs int64
	Err        string
	Retryable  bool
}

// Failed reports whether the job ended in an error
func (r *JobResult) Failed() bool { return r.Err != "" }
