package work

import (
	"fmt"
	"strings"
)

// Step is one unit of non-blocking work. Apply must not block; anything
// that waits returns Suspend or Delay instead.
type Step interface {
	Apply(p *Packet) NextAction
	Next() Step
	Name() string
}

// Base holds the link to the next step. Concrete steps embed it.
type Base struct {
	next Step
}

// NewBase returns a Base linked to next.
func NewBase(next Step) Base {
	return Base{next: next}
}

// Next returns the following step, or nil.
func (b *Base) Next() Step {
	return b.next
}

// SetNext relinks the step.
func (b *Base) SetNext(next Step) {
	b.next = next
}

// DoNext continues at the next step.
func (b *Base) DoNext(p *Packet) NextAction {
	return Continue(b.next, p)
}

type linker interface {
	SetNext(Step)
}

// StepFunc is the body of a step created with NewStep.
type StepFunc func(p *Packet, next Step) NextAction

type funcStep struct {
	Base
	name string
	fn   StepFunc
}

// NewStep builds a step from a function.
func NewStep(name string, fn StepFunc, next Step) Step {
	return &funcStep{Base: NewBase(next), name: name, fn: fn}
}

func (s *funcStep) Apply(p *Packet) NextAction {
	return s.fn(p, s.next)
}

func (s *funcStep) Name() string {
	return s.name
}

// Chain links the steps in order, skipping nils, and returns the head.
// Each step's existing tail is linked to the following step.
func Chain(steps ...Step) Step {
	var head, last Step
	for _, s := range steps {
		if s == nil {
			continue
		}
		if head == nil {
			head, last = s, s
			continue
		}
		tail := last
		for tail.Next() != nil {
			tail = tail.Next()
		}
		l, ok := tail.(linker)
		if !ok {
			panic(fmt.Sprintf("work: step %s cannot be linked", tail.Name()))
		}
		l.SetNext(s)
		last = s
	}
	return head
}

// Describe renders a chain as "a -> b -> c".
func Describe(s Step) string {
	var names []string
	for seen := 0; s != nil && seen < 64; seen++ {
		names = append(names, s.Name())
		s = s.Next()
	}
	return strings.Join(names, " -> ")
}
