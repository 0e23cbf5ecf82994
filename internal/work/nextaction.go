package work

import (
	"time"
)

// Kind is what a fiber should do after a step returns.
type Kind int

const (
	KindContinue Kind = iota
	KindSuspend
	KindDelay
	KindForkJoin
	KindDone
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindSuspend:
		return "suspend"
	case KindDelay:
		return "delay"
	case KindForkJoin:
		return "forkJoin"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// SuspendFunc is invoked once the fiber is parked. It must arrange for
// exactly one later Resume, typically from an I/O callback or a timer.
type SuspendFunc func(f *Fiber)

// StepAndPacket is one unit of forked work.
type StepAndPacket struct {
	Step   Step
	Packet *Packet
}

// NextAction is the value a step returns to the fiber.
type NextAction struct {
	kind      Kind
	step      Step
	packet    *Packet
	delay     time.Duration
	onSuspend SuspendFunc
	work      []StepAndPacket
	err       error
}

// Continue runs step next with packet p. A nil step completes the fiber.
func Continue(step Step, p *Packet) NextAction {
	if step == nil {
		return NextAction{kind: KindDone, packet: p}
	}
	return NextAction{kind: KindContinue, step: step, packet: p}
}

// Suspend parks the fiber and calls fn. When the fiber is resumed it
// continues at next.
func Suspend(next Step, fn SuspendFunc) NextAction {
	return NextAction{kind: KindSuspend, step: next, onSuspend: fn}
}

// Delay continues at step after d without holding a worker.
func Delay(step Step, p *Packet, d time.Duration) NextAction {
	return NextAction{kind: KindDelay, step: step, packet: p, delay: d}
}

// ForkJoin starts one child fiber per item and continues at join with p
// once every child has completed.
func ForkJoin(join Step, p *Packet, items []StepAndPacket) NextAction {
	work := make([]StepAndPacket, len(items))
	copy(work, items)
	return NextAction{kind: KindForkJoin, step: join, packet: p, work: work}
}

// Done completes the fiber successfully.
func Done() NextAction {
	return NextAction{kind: KindDone}
}

// Terminate completes the fiber with err.
func Terminate(err error) NextAction {
	return NextAction{kind: KindDone, err: err}
}

// Kind returns the action kind.
func (na NextAction) Kind() Kind { return na.kind }

// Step returns the step the fiber continues at.
func (na NextAction) Step() Step { return na.step }

// Packet returns the packet the fiber continues with.
func (na NextAction) Packet() *Packet { return na.packet }

// Duration returns the delay of a KindDelay action.
func (na NextAction) Duration() time.Duration { return na.delay }

// Work returns the forked items of a KindForkJoin action.
func (na NextAction) Work() []StepAndPacket { return na.work }

// Err returns the termination error of a KindDone action.
func (na NextAction) Err() error { return na.err }
