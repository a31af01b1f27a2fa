// Package backend adapts generation backends behind one interface.
// Adapters return raw model output; extraction and validation belong
// to the format plugins. The Retry wrapper adds classification,
// bounded backoff and per-call timeouts around any adapter.
package backend

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies a backend failure for retry decisions
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrTransport   ErrorKind = "transport"
	ErrRejected    ErrorKind = "rejected"
)

// Error is a typed backend failure
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt can help. Rejected means
// the backend refused the request itself; retrying resends the same
// request and cannot succeed.
func (e *Error) Retryable() bool { return e.Kind != ErrRejected }

// Request is one generation request. Temperature and TopP are
// pointers so an explicit zero survives to the backend.
type Request struct {
	Prompt      string
	System      string
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Result is one completed generation
type Result struct {
	Output    string
	Model     string
	Attempts  int
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// Adapter runs generation requests against one backend
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}
