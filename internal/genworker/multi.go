package genworker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/genpipe/internal/backend"
)

// ServerConfig names one coordinator to serve
type ServerConfig struct {
	URL  string
	Name string // optional label for logs
}

// MultiConfig configures a worker serving several coordinators from
// one slot pool
type MultiConfig struct {
	Servers []ServerConfig
	Name    string
	Token   string
	MaxJobs int
	Debug   bool
}

// Validate checks the config is usable
func (c *MultiConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}
	for i, srv := range c.Servers {
		if srv.URL == "" {
			return fmt.Errorf("server[%d] URL is required", i)
		}
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max jobs must be positive")
	}
	return nil
}

// MultiClient connects one worker to multiple coordinators. All
// connections share one slot pool and one backend adapter; whenever a
// job starts or finishes anywhere, every coordinator gets a fresh
// ready message so nobody over-assigns.
type MultiClient struct {
	config  MultiConfig
	slots   *Pool
	workers []*Worker
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMultiClient creates a multi-coordinator client over a shared
// adapter
func NewMultiClient(config MultiConfig, adapter backend.Adapter) (*MultiClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	slots := NewPool(config.MaxJobs)

	mc := &MultiClient{
		config: config,
		slots:  slots,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, srv := range config.Servers {
		name := srv.Name
		if name == "" {
			name = srv.URL
		}
		w := newWorker(Config{
			ServerURL: srv.URL,
			Name:      config.Name,
			Token:     config.Token,
			MaxJobs:   config.MaxJobs,
			Debug:     config.Debug,
		}, adapter, slots, name)
		mc.workers = append(mc.workers, w)
	}

	slots.SetOnChange(func(free int) {
		mc.broadcastReady()
	})

	return mc, nil
}

// broadcastReady reports current slots to every connected coordinator
func (mc *MultiClient) broadcastReady() {
	mc.mu.Lock()
	workers := make([]*Worker, len(mc.workers))
	copy(workers, mc.workers)
	mc.mu.Unlock()

	for _, w := range workers {
		if err := w.sendReadyIfConnected(); err != nil && mc.config.Debug {
			log.Printf("genworker: ready to %s failed: %v", w.coordName, err)
		}
	}
}

// Run serves all coordinators with automatic reconnection until Stop
// is called. Connection failures on one coordinator never affect the
// others.
func (mc *MultiClient) Run() error {
	g, ctx := errgroup.WithContext(mc.ctx)

	for _, worker := range mc.workers {
		w := worker
		g.Go(func() error {
			return w.runReconnect(ctx)
		})
	}

	return g.Wait()
}

// Stop shuts down all connections
func (mc *MultiClient) Stop() {
	mc.cancel()

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, w := range mc.workers {
		w.Stop()
	}
}

// ServerCount returns the number of configured coordinators
func (mc *MultiClient) ServerCount() int {
	return len(mc.workers)
}

// AvailableSlots returns the shared pool's free slots
func (mc *MultiClient) AvailableSlots() int {
	return mc.slots.Available()
}
