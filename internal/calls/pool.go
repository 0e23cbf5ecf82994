package calls

import (
	"sync"
	"sync/atomic"

	"github.com/vpatelsj/domain-operator/internal/metrics"
)

// Pool hands out API clients one request at a time. Clients that saw a
// protocol error are discarded and replaced on demand.
type Pool[C any] struct {
	mu      sync.Mutex
	idle    []C
	maxIdle int
	factory func() (C, error)

	created   atomic.Int64
	discarded atomic.Int64
}

// NewPool returns a pool that keeps at most maxIdle idle clients.
func NewPool[C any](maxIdle int, factory func() (C, error)) *Pool[C] {
	if maxIdle <= 0 {
		maxIdle = 1
	}
	return &Pool[C]{maxIdle: maxIdle, factory: factory}
}

// Take returns an idle client or creates one.
func (p *Pool[C]) Take() (C, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.factory()
	if err == nil {
		p.created.Add(1)
	}
	return c, err
}

// Recycle returns a healthy client to the pool.
func (p *Pool[C]) Recycle(c C) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, c)
	}
}

// Discard drops a client that must not be reused.
func (p *Pool[C]) Discard(C) {
	p.discarded.Add(1)
	metrics.ClientPoolDiscards.Inc()
}

// Size returns the number of idle clients.
func (p *Pool[C]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Created returns how many clients the factory produced.
func (p *Pool[C]) Created() int64 { return p.created.Load() }

// Discarded returns how many clients were discarded.
func (p *Pool[C]) Discarded() int64 { return p.discarded.Load() }
