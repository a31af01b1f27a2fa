package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock returns scripted outputs without touching any real backend.
// With no script it echoes a deterministic stub, which makes dry runs
// of a pipeline's orchestration possible at zero cost.
type Mock struct {
	// Script produces the output for a request. Nil falls back to the
	// echo stub.
	Script func(req Request) (string, error)

	mu    sync.Mutex
	calls []Request
}

// NewMock creates a Mock with the default echo script
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	output := ""
	if m.Script != nil {
		var err error
		output, err = m.Script(req)
		if err != nil {
			return nil, err
		}
	} else {
		head := req.Prompt
		if len(head) > 60 {
			head = head[:60]
		}
		output = fmt.Sprintf("mock output for prompt %q", head)
	}

	return &Result{
		Output:   output,
		Model:    "mock",
		Attempts: 1,
		Duration: time.Millisecond,
	}, nil
}

// Calls returns a copy of every request the mock has seen
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many requests the mock has seen
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
