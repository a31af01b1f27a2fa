package backend

import (
	"context"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

const maxBackoff = 5 * time.Minute

// Retry wraps an adapter with error classification, bounded
// exponential backoff and a per-call timeout. Exhaustion and
// non-retryable failures surface as domain.BackendUnavailableError
// carrying the attempt count and the last typed backend error.
type Retry struct {
	Adapter    Adapter
	MaxRetries int           // retries after the first attempt
	Delay      time.Duration // backoff base
	Timeout    time.Duration // per call, 0 disables
}

func (r *Retry) Name() string { return r.Adapter.Name() }

func (r *Retry) Invoke(ctx context.Context, req Request) (*Result, error) {
	var last *Error
	attempts := 0

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		}
		res, err := r.Adapter.Invoke(callCtx, req)
		cancel()
		attempts++

		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		// The caller going away is not a backend failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		last = Classify(err)
		if !last.Retryable() {
			break
		}
	}

	return nil, &domain.BackendUnavailableError{Attempts: attempts, Last: last}
}

func (r *Retry) backoff(n int) time.Duration {
	if n > 10 {
		n = 10
	}
	delay := r.Delay * time.Duration(1<<n)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
