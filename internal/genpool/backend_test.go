package genpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/genpipe/internal/backend"
)

// newLocalPool wires a dispatcher whose only executor is the embedded
// local runner over the given adapter
func newLocalPool(adapter backend.Adapter, maxJobs int) *Dispatcher {
	runner := NewLocalRunner(adapter, maxJobs, time.Minute)
	return NewDispatcher(NewRegistry(), runner.Run)
}

func TestBackend_InvokeThroughLocalRunner(t *testing.T) {
	mock := backend.NewMock()
	mock.Script = func(req backend.Request) (string, error) {
		return "generated: " + req.Prompt, nil
	}

	pool := NewBackend(newLocalPool(mock, 2), time.Minute)
	if pool.Name() != "pool" {
		t.Errorf("got name=%q, want pool", pool.Name())
	}

	res, err := pool.Invoke(context.Background(), backend.Request{
		Prompt:    "sketch the coastline",
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "generated: sketch the coastline" {
		t.Errorf("got output=%q, want scripted output", res.Output)
	}
	if res.Model != "mock" {
		t.Errorf("got model=%q, want mock", res.Model)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d adapter calls, want 1", len(calls))
	}
	if calls[0].MaxTokens != 128 {
		t.Errorf("got max_tokens=%d, want 128", calls[0].MaxTokens)
	}
}

func TestBackend_AdapterErrorSurfacesTyped(t *testing.T) {
	mock := backend.NewMock()
	mock.Script = func(req backend.Request) (string, error) {
		return "", errors.New("rate limit exceeded")
	}

	pool := NewBackend(newLocalPool(mock, 1), time.Minute)

	_, err := pool.Invoke(context.Background(), backend.Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error from failing adapter")
	}

	var typed *backend.Error
	if !errors.As(err, &typed) {
		t.Fatalf("got %T, want *backend.Error", err)
	}
	// The worker-side classification travels back as the retryable flag
	if !typed.Retryable() {
		t.Error("rate limit error should be retryable")
	}
}

func TestBackend_RejectedErrorNotRetryable(t *testing.T) {
	mock := backend.NewMock()
	mock.Script = func(req backend.Request) (string, error) {
		return "", errors.New("invalid api key")
	}

	pool := NewBackend(newLocalPool(mock, 1), time.Minute)

	_, err := pool.Invoke(context.Background(), backend.Request{Prompt: "x"})
	var typed *backend.Error
	if !errors.As(err, &typed) {
		t.Fatalf("got %T, want *backend.Error", err)
	}
	if typed.Retryable() {
		t.Error("auth failure should not be retryable")
	}
}

func TestBackend_CanceledContextWithdrawsJob(t *testing.T) {
	// No workers, no local runner: the job can only queue
	disp := NewDispatcher(NewRegistry(), nil)
	pool := NewBackend(disp, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := pool.Invoke(ctx, backend.Request{Prompt: "never runs"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err=%v, want context.Canceled", err)
	}

	if disp.PendingCount() != 0 {
		t.Errorf("got pending=%d after cancel, want 0", disp.PendingCount())
	}
	if disp.QueueLength() != 0 {
		t.Errorf("got queue length=%d after cancel, want 0", disp.QueueLength())
	}
}

func TestLocalRunner_CapsConcurrency(t *testing.T) {
	var inflight, peak int64
	release := make(chan struct{})

	mock := backend.NewMock()
	mock.Script = func(req backend.Request) (string, error) {
		n := atomic.AddInt64(&inflight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inflight, -1)
		return "ok", nil
	}

	disp := newLocalPool(mock, 2)
	pool := NewBackend(disp, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Invoke(context.Background(), backend.Request{Prompt: "p"}); err != nil {
				t.Errorf("Invoke: %v", err)
			}
		}()
	}

	// Both slots fill while the other two jobs wait on the semaphore
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got != 2 {
		t.Errorf("got peak concurrency=%d, want exactly 2", got)
	}
}
