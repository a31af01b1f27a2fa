package genpool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/genprotocol"
)

// Backend submits generation requests to the pool dispatcher. It
// implements backend.Adapter so the executor can use the pool like any
// other backend; serve wraps it in a backend.Retry the same way.
type Backend struct {
	dispatcher *Dispatcher
	timeout    time.Duration
}

// NewBackend creates a pool-backed adapter. timeout travels with each
// job so workers bound their own generation calls.
func NewBackend(dispatcher *Dispatcher, timeout time.Duration) *Backend {
	return &Backend{dispatcher: dispatcher, timeout: timeout}
}

func (b *Backend) Name() string { return "pool" }

func (b *Backend) Invoke(ctx context.Context, req backend.Request) (*backend.Result, error) {
	job := &genprotocol.JobMessage{
		JobID:       uuid.NewString(),
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		TimeoutSecs: int(b.timeout.Seconds()),
	}

	resultCh := b.dispatcher.Submit(job)
	b.dispatcher.TryDispatch()

	select {
	case <-ctx.Done():
		b.dispatcher.Cancel(job.JobID)
		return nil, ctx.Err()

	case res, ok := <-resultCh:
		if !ok {
			return nil, &backend.Error{Kind: backend.ErrTransport, Err: errors.New("job canceled")}
		}
		if res.Failed() {
			kind := backend.ErrRejected
			if res.Retryable {
				kind = backend.ErrTransport
			}
			return nil, &backend.Error{Kind: kind, Err: errors.New(res.Err)}
		}
		return &backend.Result{
			Output:    res.Output,
			Model:     res.Model,
			Attempts:  1,
			TokensIn:  res.TokensIn,
			TokensOut: res.TokensOut,
			Duration:  time.Duration(res.DurationMs) * time.Millisecond,
		}, nil
	}
}
