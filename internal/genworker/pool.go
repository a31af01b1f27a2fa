package genworker

import "sync"

// Pool tracks free generation slots. Jobs from every coordinator a
// worker serves draw from the same pool, so slot accounting stays
// truthful no matter how many connections share it.
type Pool struct {
	mu       sync.Mutex
	max      int
	free     int
	onChange func(free int)
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	return &Pool{max: maxJobs, free: maxJobs}
}

// SetOnChange registers a callback invoked whenever slot availability
// changes. The callback runs outside the pool's lock.
func (p *Pool) SetOnChange(fn func(free int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Acquire claims a slot, reporting false when none is free
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	if p.free <= 0 {
		p.mu.Unlock()
		return false
	}
	p.free--
	fn, free := p.onChange, p.free
	p.mu.Unlock()

	if fn != nil {
		fn(free)
	}
	return true
}

// Release returns a slot to the pool
func (p *Pool) Release() {
	p.mu.Lock()
	if p.free < p.max {
		p.free++
	}
	fn, free := p.onChange, p.free
	p.mu.Unlock()

	if fn != nil {
		fn(free)
	}
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.max
}
