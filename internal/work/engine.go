// Package work provides the fiber engine: chains of non-blocking steps that
// suspend on I/O, delay on timers and fork/join child fibers while sharing
// a bounded pool of workers.
package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vpatelsj/domain-operator/internal/metrics"
)

const (
	defaultWorkers         = 16
	defaultShutdownTimeout = 30 * time.Second
)

// Config controls the engine.
type Config struct {
	// Workers bounds how many steps apply concurrently.
	Workers int64

	// ShutdownTimeout bounds how long Run waits for fibers after its
	// context ends.
	ShutdownTimeout time.Duration
}

// Engine runs fibers on a bounded set of workers.
type Engine struct {
	cfg  Config
	log  logr.Logger
	sem  *semaphore.Weighted
	ctx  context.Context
	stop context.CancelFunc

	shutdown atomic.Bool
	live     sync.WaitGroup

	mu     sync.RWMutex
	fibers map[string]*Fiber
}

// NewEngine creates an engine.
func NewEngine(cfg Config, logger logr.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		log:    logger,
		sem:    semaphore.NewWeighted(cfg.Workers),
		ctx:    ctx,
		stop:   stop,
		fibers: make(map[string]*Fiber),
	}
}

// StartOption customizes a top-level fiber.
type StartOption func(*startOptions)

type startOptions struct {
	log        *logr.Logger
	onComplete CompletionCallback
}

// WithFiberLogger sets the fiber's logger. The fiber ID is added to it.
func WithFiberLogger(log logr.Logger) StartOption {
	return func(o *startOptions) { o.log = &log }
}

// WithCompletion registers the completion callback.
func WithCompletion(cb CompletionCallback) StartOption {
	return func(o *startOptions) { o.onComplete = cb }
}

// Start begins a fiber at step with packet p. It returns immediately.
func (e *Engine) Start(step Step, p *Packet, opts ...StartOption) (*Fiber, error) {
	if e.shutdown.Load() {
		return nil, ErrEngineShutdown
	}
	o := startOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	log := e.log
	if o.log != nil {
		log = *o.log
	}
	if p == nil {
		p = NewPacket()
	}

	f := e.newFiber(nil, step, p, log, o.onComplete)

	e.mu.Lock()
	e.fibers[f.id] = f
	e.mu.Unlock()

	f.log.V(1).Info("starting fiber", "chain", Describe(step))
	e.submit(f.run)
	return f, nil
}

// ActiveFibers returns the number of running top-level fibers.
func (e *Engine) ActiveFibers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.fibers)
}

// Shutdown stops accepting fibers, cancels the running ones and waits for
// them to complete or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.shutdown.Swap(true) {
		return nil
	}
	e.mu.RLock()
	running := make([]*Fiber, 0, len(e.fibers))
	for _, f := range e.fibers {
		running = append(running, f)
	}
	e.mu.RUnlock()

	e.log.Info("shutting down engine", "fibers", len(running))
	for _, f := range running {
		f.Cancel()
	}
	e.stop()

	drained := make(chan struct{})
	go func() {
		e.live.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx ends and then shuts the engine down. It lets the
// engine be added to a controller-runtime manager as a runnable.
func (e *Engine) Run(ctx context.Context) error {
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (e *Engine) newFiber(parent *Fiber, step Step, p *Packet, log logr.Logger, cb CompletionCallback) *Fiber {
	parentCtx := e.ctx
	if parent != nil {
		parentCtx = parent.ctx
	}
	ctx, cancel := context.WithCancel(parentCtx)
	id := uuid.NewString()
	f := &Fiber{
		id:         id,
		engine:     e,
		parent:     parent,
		log:        log.WithValues("fiber", id),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		onComplete: cb,
		state:      stateRunning,
		step:       step,
		packet:     p,
		children:   make(map[*Fiber]struct{}),
	}
	e.live.Add(1)
	metrics.FibersActive.Inc()
	return f
}

func (e *Engine) startChild(parent *Fiber, item StepAndPacket) {
	child := e.newFiber(parent, item.Step, item.Packet, parent.log, nil)
	parent.mu.Lock()
	parent.children[child] = struct{}{}
	parent.mu.Unlock()
	e.submit(child.run)
}

// submit runs fn once a worker slot is free. Waiting for the slot happens
// on its own goroutine so callers never block.
func (e *Engine) submit(fn func()) {
	go func() {
		// Queued runs of cancelled fibers still need a slot to complete.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		fn()
	}()
}

func (e *Engine) fiberFinished(f *Fiber, err error) {
	if f.parent == nil {
		e.mu.Lock()
		delete(e.fibers, f.id)
		e.mu.Unlock()
	}

	outcome := "succeeded"
	switch {
	case errors.Is(err, ErrFiberCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	metrics.FibersActive.Dec()
	metrics.FibersTotal.WithLabelValues(outcome).Inc()
	f.log.V(1).Info("fiber completed", "outcome", outcome, "error", err)
	e.live.Done()
}
