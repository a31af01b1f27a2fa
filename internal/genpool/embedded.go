package genpool

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/genprotocol"
)

// LocalRunner executes generation jobs in-process when no remote
// worker is connected. A weighted semaphore caps concurrency; callers
// beyond the cap block until a slot frees, which keeps the fallback
// from stampeding a local model.
type LocalRunner struct {
	adapter backend.Adapter
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewLocalRunner creates a local runner over the given adapter.
// maxJobs below 1 is treated as 1; timeout 0 defaults to 5 minutes.
func NewLocalRunner(adapter backend.Adapter, maxJobs int, timeout time.Duration) *LocalRunner {
	if maxJobs < 1 {
		maxJobs = 1
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &LocalRunner{
		adapter: adapter,
		sem:     semaphore.NewWeighted(int64(maxJobs)),
		timeout: timeout,
	}
}

// Run executes one job and returns its result. Safe for concurrent
// use; the dispatcher calls it from one goroutine per job.
func (r *LocalRunner) Run(job *genprotocol.JobMessage) *genprotocol.JobResult {
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return &genprotocol.JobResult{JobID: job.JobID, Err: err.Error(), Retryable: true}
	}
	defer r.sem.Release(1)

	timeout := r.timeout
	if job.TimeoutSecs > 0 {
		timeout = time.Duration(job.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := r.adapter.Invoke(ctx, backend.Request{
		Prompt:      job.Prompt,
		System:      job.System,
		Model:       job.Model,
		Temperature: job.Temperature,
		TopP:        job.TopP,
		MaxTokens:   job.MaxTokens,
	})
	if err != nil {
		return &genprotocol.JobResult{
			JobID:     job.JobID,
			Err:       err.Error(),
			Retryable: backend.Classify(err).Retryable(),
		}
	}

	return &genprotocol.JobResult{
		JobID:      job.JobID,
		Output:     res.Output,
		Model:      res.Model,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		DurationMs: res.Duration.Milliseconds(),
	}
}
