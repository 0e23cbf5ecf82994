package work

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrFiberCancelled is the completion error of a cancelled fiber.
	ErrFiberCancelled = errors.New("fiber cancelled")

	// ErrEngineShutdown is returned when starting a fiber on a stopped engine.
	ErrEngineShutdown = errors.New("engine is shut down")
)

type fiberState int

const (
	stateRunning fiberState = iota
	stateSuspended
	stateDelayed
	stateJoining
	stateDone
)

// CompletionCallback is called exactly once when a fiber completes.
type CompletionCallback func(f *Fiber, err error)

// Fiber is a lightweight sequence of steps. At most one step of a fiber
// runs at any time, and a fiber only holds an engine worker while a step
// is applying.
type Fiber struct {
	id     string
	engine *Engine
	parent *Fiber
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onComplete CompletionCallback

	mu          sync.Mutex
	state       fiberState
	cancelled   bool
	step        Step
	packet      *Packet
	pending     int
	childErrs   []error
	children    map[*Fiber]struct{}
	timers      map[uint64]*time.Timer
	cancelHooks map[uint64]func()
	seq         uint64
	err         error
}

// ID returns the fiber's unique identifier.
func (f *Fiber) ID() string { return f.id }

// Parent returns the fiber that forked this one, or nil.
func (f *Fiber) Parent() *Fiber { return f.parent }

// Context is cancelled when the fiber is cancelled or completes.
func (f *Fiber) Context() context.Context { return f.ctx }

// Logger returns the fiber's logger.
func (f *Fiber) Logger() logr.Logger { return f.log }

// Done is closed when the fiber completes.
func (f *Fiber) Done() <-chan struct{} { return f.done }

// Err returns the completion error. It is only meaningful after Done.
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Packet returns the packet the fiber currently carries.
func (f *Fiber) Packet() *Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packet
}

// Resume continues a suspended fiber with p, or with its current packet
// when p is nil. Only the first Resume after a Suspend has any effect; it
// reports whether this call was the one that resumed the fiber.
func (f *Fiber) Resume(p *Packet) bool {
	f.mu.Lock()
	if f.state != stateSuspended || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.state = stateRunning
	if p != nil {
		f.packet = p
	}
	f.mu.Unlock()

	f.engine.submit(f.run)
	return true
}

// Cancel stops the fiber and every fiber it forked. Cancel hooks run, and
// timers are stopped. A step that is applying when Cancel is called runs
// to completion but its result is discarded.
func (f *Fiber) Cancel() {
	f.mu.Lock()
	if f.cancelled || f.state == stateDone {
		f.mu.Unlock()
		return
	}
	f.cancelled = true
	hooks := make([]func(), 0, len(f.cancelHooks))
	for _, h := range f.cancelHooks {
		hooks = append(hooks, h)
	}
	f.cancelHooks = nil
	children := f.childList()
	f.stopTimers()
	idle := f.state != stateRunning
	f.mu.Unlock()

	f.log.V(1).Info("cancelling fiber", "children", len(children))
	f.cancel()
	for _, h := range hooks {
		h()
	}
	for _, c := range children {
		c.Cancel()
	}
	if idle {
		f.finish(ErrFiberCancelled)
	}
}

// OnCancel registers fn to run if the fiber is cancelled. If the fiber is
// already cancelled fn runs immediately. The returned func unregisters fn.
func (f *Fiber) OnCancel(fn func()) (remove func()) {
	f.mu.Lock()
	if f.cancelled {
		f.mu.Unlock()
		fn()
		return func() {}
	}
	if f.state == stateDone {
		f.mu.Unlock()
		return func() {}
	}
	f.seq++
	id := f.seq
	if f.cancelHooks == nil {
		f.cancelHooks = make(map[uint64]func())
	}
	f.cancelHooks[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.cancelHooks, id)
		f.mu.Unlock()
	}
}

// ScheduleOnce runs fn on an engine worker after d, unless stopped or the
// fiber completes first.
func (f *Fiber) ScheduleOnce(d time.Duration, fn func()) (stop func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled || f.state == stateDone {
		return func() {}
	}
	f.seq++
	id := f.seq
	if f.timers == nil {
		f.timers = make(map[uint64]*time.Timer)
	}
	f.timers[id] = time.AfterFunc(d, func() {
		f.mu.Lock()
		_, armed := f.timers[id]
		delete(f.timers, id)
		f.mu.Unlock()
		if armed {
			f.engine.submit(fn)
		}
	})

	return func() {
		f.mu.Lock()
		if t, ok := f.timers[id]; ok {
			t.Stop()
			delete(f.timers, id)
		}
		f.mu.Unlock()
	}
}

// run is the trampoline. It applies steps until the fiber parks or ends.
func (f *Fiber) run() {
	for {
		f.mu.Lock()
		if f.state != stateRunning {
			f.mu.Unlock()
			return
		}
		if f.cancelled || f.ctx.Err() != nil {
			f.mu.Unlock()
			f.finish(ErrFiberCancelled)
			return
		}
		step, packet := f.step, f.packet
		f.mu.Unlock()

		if step == nil {
			f.finish(nil)
			return
		}
		if !f.dispatch(f.apply(step, packet)) {
			return
		}
	}
}

func (f *Fiber) apply(step Step, p *Packet) (na NextAction) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error(nil, "step panicked", "step", step.Name(), "panic", r, "stack", string(debug.Stack()))
			na = Terminate(fmt.Errorf("step %s panicked: %v", step.Name(), r))
		}
	}()
	f.log.V(2).Info("applying step", "step", step.Name())
	return step.Apply(p)
}

// dispatch acts on na and reports whether the trampoline keeps going.
func (f *Fiber) dispatch(na NextAction) bool {
	f.mu.Lock()
	if f.cancelled || f.ctx.Err() != nil {
		f.mu.Unlock()
		f.finish(ErrFiberCancelled)
		return false
	}
	if na.packet != nil {
		f.packet = na.packet
	}

	switch na.kind {
	case KindContinue:
		f.step = na.step
		f.mu.Unlock()
		return true

	case KindDelay:
		f.step = na.step
		f.state = stateDelayed
		f.mu.Unlock()
		f.ScheduleOnce(na.delay, f.wake)
		return false

	case KindSuspend:
		f.step = na.step
		f.state = stateSuspended
		f.mu.Unlock()
		f.suspend(na.onSuspend)
		return false

	case KindForkJoin:
		f.step = na.step
		if len(na.work) == 0 {
			f.mu.Unlock()
			return true
		}
		f.state = stateJoining
		f.pending = len(na.work)
		f.childErrs = nil
		parentPacket := f.packet
		f.mu.Unlock()
		for _, item := range na.work {
			if item.Packet == nil {
				item.Packet = parentPacket
			}
			f.engine.startChild(f, item)
		}
		return false

	default:
		f.mu.Unlock()
		f.finish(na.err)
		return false
	}
}

func (f *Fiber) suspend(fn SuspendFunc) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error(nil, "suspend callback panicked", "panic", r)
			f.mu.Lock()
			parked := f.state == stateSuspended
			f.mu.Unlock()
			if parked {
				f.finish(fmt.Errorf("suspend callback panicked: %v", r))
			}
		}
	}()
	if fn != nil {
		fn(f)
	}
}

func (f *Fiber) wake() {
	f.mu.Lock()
	if f.state != stateDelayed || f.cancelled {
		f.mu.Unlock()
		return
	}
	f.state = stateRunning
	f.mu.Unlock()
	f.run()
}

// childDone is the join barrier. The parent resumes once, after the last
// child, and fails if any child failed.
func (f *Fiber) childDone(child *Fiber, err error) {
	f.mu.Lock()
	delete(f.children, child)
	if f.state != stateJoining || f.cancelled {
		f.mu.Unlock()
		return
	}
	if err != nil {
		f.childErrs = append(f.childErrs, fmt.Errorf("fiber %s: %w", child.id, err))
	}
	f.pending--
	if f.pending > 0 {
		f.mu.Unlock()
		return
	}
	errs := f.childErrs
	f.childErrs = nil
	if len(errs) > 0 {
		f.mu.Unlock()
		f.finish(errors.Join(errs...))
		return
	}
	f.state = stateRunning
	f.mu.Unlock()
	f.engine.submit(f.run)
}

func (f *Fiber) finish(err error) {
	f.mu.Lock()
	if f.state == stateDone {
		f.mu.Unlock()
		return
	}
	f.state = stateDone
	f.err = err
	f.stopTimers()
	f.cancelHooks = nil
	f.mu.Unlock()

	f.cancel()
	close(f.done)
	f.engine.fiberFinished(f, err)
	if f.onComplete != nil {
		f.onComplete(f, err)
	}
	if f.parent != nil {
		f.parent.childDone(f, err)
	}
}

// childList must be called with f.mu held.
func (f *Fiber) childList() []*Fiber {
	list := make([]*Fiber, 0, len(f.children))
	for c := range f.children {
		list = append(list, c)
	}
	return list
}

// stopTimers must be called with f.mu held.
func (f *Fiber) stopTimers() {
	for _, t := range f.timers {
		t.Stop()
	}
	f.timers = nil
}
